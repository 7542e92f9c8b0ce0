package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/hooke003/sidekick/internal/server/models"
	"github.com/hooke003/sidekick/internal/server/ratelimit"
	"github.com/hooke003/sidekick/internal/server/storage"
	"github.com/hooke003/sidekick/internal/server/ws"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var errBadCredentials = errors.New("invalid username or password")

type Handler struct {
	Hub        *ws.Hub
	Store      storage.Store
	Limiter    *ratelimit.RateLimiter
	Log        logrus.FieldLogger
	BcryptCost int

	validate *validator.Validate
}

func New(hub *ws.Hub, store storage.Store, limiter *ratelimit.RateLimiter, bcryptCost int, log logrus.FieldLogger) *Handler {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Handler{
		Hub:        hub,
		Store:      store,
		Limiter:    limiter,
		Log:        log.WithField("component", "http"),
		BcryptCost: bcryptCost,
		validate:   validator.New(),
	}
}

// Routes mounts every endpoint. gatherer backs /metrics.
func (h *Handler) Routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthCheck)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /register", h.Register)
	mux.HandleFunc("POST /login", h.Login)
	mux.HandleFunc("GET /users/{username}", h.Lookup)
	mux.HandleFunc("GET /ws", h.WebSocket)
	return mux
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if !h.Limiter.CanAuth(ratelimit.GetClientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "Too many attempts. Please wait a minute.")
		return
	}
	creds, ok := h.credentials(w, r)
	if !ok {
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), h.BcryptCost)
	if err != nil {
		h.internal(w, "hash password", err)
		return
	}
	user, err := h.Store.CreateUser(r.Context(), creds.Username, string(hash))
	if errors.Is(err, storage.ErrUsernameTaken) {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	if err != nil {
		h.internal(w, "create user", err)
		return
	}
	h.Log.WithFields(logrus.Fields{"user_id": user.ID, "username": user.Username}).Info("User registered")
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.Limiter.CanAuth(ratelimit.GetClientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "Too many login attempts. Please wait a minute.")
		return
	}
	creds, ok := h.credentials(w, r)
	if !ok {
		return
	}
	user, err := h.authenticate(r, creds.Username, creds.Password)
	if errors.Is(err, errBadCredentials) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		h.internal(w, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUserByUsername(r.Context(), r.PathValue("username"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		h.internal(w, "lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// WebSocket upgrades a Basic-authenticated request to a relay connection.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := ratelimit.GetClientIP(r)

	// Rate limit: check connection count per IP
	if !h.Limiter.CanConnect(clientIP) {
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		h.Log.WithField("ip", clientIP).Warn("Rate limited connection")
		return
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="sidekick"`)
		http.Error(w, "credentials required", http.StatusUnauthorized)
		return
	}
	if !h.Limiter.CanAuth(clientIP) {
		http.Error(w, "Too many login attempts. Please wait a minute.", http.StatusTooManyRequests)
		return
	}
	user, err := h.authenticate(r, username, password)
	if errors.Is(err, errBadCredentials) {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if err != nil {
		h.internal(w, "authenticate", err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.WithField("error", err.Error()).Warn("Upgrade error")
		return
	}
	h.Limiter.AddConnection(clientIP)

	client := ws.NewClient(h.Hub, conn, user, clientIP, h.Limiter)
	h.Hub.Register(client)
	h.Log.WithFields(logrus.Fields{"user_id": user.ID, "ip": clientIP}).Info("Client connected")

	// Writer goroutine
	go client.WritePump()

	// Reader goroutine
	go func() {
		defer h.Limiter.RemoveConnection(clientIP)
		client.ReadPump()
	}()

	if err := h.Hub.Replay(r.Context(), client); err != nil {
		h.Log.WithFields(logrus.Fields{"user_id": user.ID, "error": err.Error()}).Error("Replay failed")
	}
}

func (h *Handler) authenticate(r *http.Request, username, password string) (models.User, error) {
	user, err := h.Store.GetUserByUsername(r.Context(), username)
	if errors.Is(err, storage.ErrNotFound) {
		return models.User{}, errBadCredentials
	}
	if err != nil {
		return models.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, errBadCredentials
	}
	return user, nil
}

func (h *Handler) credentials(w http.ResponseWriter, r *http.Request) (models.Credentials, bool) {
	var creds models.Credentials
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return creds, false
	}
	if err := h.validate.Struct(creds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return creds, false
	}
	return creds, true
}

func (h *Handler) internal(w http.ResponseWriter, op string, err error) {
	h.Log.WithFields(logrus.Fields{"op": op, "error": err.Error()}).Error("Request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}
