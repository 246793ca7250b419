package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	v1 "github.com/PaulBabatuyi/leadmarket/api/chat/v1"
	"github.com/PaulBabatuyi/leadmarket/internal/auth"
	"github.com/PaulBabatuyi/leadmarket/internal/chat"
	"github.com/PaulBabatuyi/leadmarket/internal/data"
	"github.com/PaulBabatuyi/leadmarket/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decode reads a JSON body into dst and validates it.
func (a *App) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

func querySkip(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("skip")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("skip must be a non-negative integer")
	}
	return n, nil
}

// routes builds the HTTP router.
func (a *App) routes() http.Handler {
	log := a.log.Named("http")
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(a.limiter, log))
			r.Post("/auth/register", a.handleRegister)
			r.Post("/auth/login", a.handleLogin)
		})
		r.Get("/push/vapid-public-key", a.handleVAPIDKey)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(a.jwt))
			r.Get("/inbox", a.handleInbox)
			r.Get("/inbox/unread-count", a.handleUnreadCount)
			r.Get("/messages/{userID}", a.handleThread)
			r.Post("/messages", a.handleSend)
			r.Patch("/messages/{userID}/read", a.handleMarkRead)
			r.Post("/requests", a.handleCreateRequest)
			r.Post("/requests/{id}/hire", a.handleHire)
			r.Post("/push/subscriptions", a.handleSubscribe)
			r.Delete("/push/subscriptions", a.handleUnsubscribe)
			r.Get("/ws", a.handleWS)
		})
	})
	return r
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req v1.RegisterRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.srv.register(r.Context(), &req)
	if err != nil {
		writeErr(w, a.log, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req v1.LoginRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.srv.login(r.Context(), &req)
	if err != nil {
		writeErr(w, a.log, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleInbox(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	skip, err := querySkip(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := a.chat.Inbox(r.Context(), claims.UserID, r.URL.Query()["customerType"], skip)
	if err != nil {
		writeErr(w, a.log, "list inbox", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *App) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	n, err := a.chat.UnreadCount(r.Context(), claims.UserID)
	if err != nil {
		writeErr(w, a.log, "unread count", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.UnreadCountResponse{UnreadCount: n})
}

func (a *App) handleThread(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	skip, err := querySkip(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := a.chat.Thread(r.Context(), claims.UserID, chi.URLParam(r, "userID"), r.URL.Query().Get("messageFor"), skip)
	if err != nil {
		writeErr(w, a.log, "get thread", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *App) handleSend(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	var req v1.SendMessageRequest
	if !a.decode(w, r, &req) {
		return
	}
	msg, err := a.chat.Send(r.Context(), chat.Actor{ID: claims.UserID, Email: claims.Email}, chat.SendInput{
		Receiver:   req.Receiver,
		Text:       req.Text,
		File:       req.File,
		MessageFor: req.MessageFor,
	})
	if err != nil {
		writeErr(w, a.log, "send message", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *App) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	n, err := a.chat.MarkRead(r.Context(), claims.UserID, chi.URLParam(r, "userID"), r.URL.Query().Get("messageFor"))
	if err != nil {
		writeErr(w, a.log, "mark read", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.MarkReadResponse{Updated: n})
}

type createRequestBody struct {
	Title string `json:"title" validate:"required,max=200"`
}

// handleCreateRequest opens a request owned by the calling client.
func (a *App) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	if claims.Role != string(data.RoleClient) {
		writeErr(w, a.log, "create request", errForbidden)
		return
	}
	var body createRequestBody
	if !a.decode(w, r, &body) {
		return
	}
	owner, err := bson.ObjectIDFromHex(claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token subject")
		return
	}
	req, err := a.st.requests.CreateRequest(r.Context(), &data.Request{
		Title:          body.Title,
		RequesterOwner: owner,
		CreatedBy:      claims.Email,
	})
	if err != nil {
		writeErr(w, a.log, "create request", err)
		return
	}
	writeJSON(w, http.StatusCreated, req.Snapshot())
}

type hireBody struct {
	AffiliateID string `json:"affiliateId" validate:"required,len=24,hexadecimal"`
}

// handleHire lets the request owner or an admin hire an affiliate, which
// turns the request's conversations active.
func (a *App) handleHire(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	var body hireBody
	if !a.decode(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "id")
	req, err := a.st.requests.GetRequest(r.Context(), id)
	if err != nil {
		writeErr(w, a.log, "hire", err)
		return
	}
	if req.RequesterOwner.Hex() != claims.UserID && claims.Role != string(data.RoleAdmin) {
		writeErr(w, a.log, "hire", errForbidden)
		return
	}
	if _, err := a.st.users.GetUserByID(r.Context(), body.AffiliateID); err != nil {
		writeErr(w, a.log, "hire", err)
		return
	}
	req, err = a.st.requests.HireAffiliate(r.Context(), id, body.AffiliateID)
	if err != nil {
		writeErr(w, a.log, "hire", err)
		return
	}
	writeJSON(w, http.StatusOK, req.Snapshot())
}

func (a *App) handleVAPIDKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.cfg.VAPID.PublicKey})
}

type subscribeBody struct {
	Subscription data.PushSubscription `json:"subscription"`
}

func (a *App) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	var body subscribeBody
	if !a.decode(w, r, &body) {
		return
	}
	if err := a.st.users.AddPushSubscription(r.Context(), claims.UserID, body.Subscription); err != nil {
		writeErr(w, a.log, "push subscribe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type unsubscribeBody struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
}

func (a *App) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	var body unsubscribeBody
	if !a.decode(w, r, &body) {
		return
	}
	if err := a.st.users.RemovePushSubscription(r.Context(), claims.UserID, body.Endpoint); err != nil {
		writeErr(w, a.log, "push unsubscribe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
