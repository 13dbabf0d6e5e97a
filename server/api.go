// Copyright 2025 The Pulsegrid Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const leaderboardMaxLimit = 500

// ApiServer hosts the client socket endpoint and the synchronous HTTP surface.
type ApiServer struct {
	logger   *zap.Logger
	config   *Config
	registry *SessionRegistry
	pipeline *Pipeline
	presence *PresenceStore
	graph    GraphResolver
	bus      Bus
	kv       KV
	metrics  *LocalMetrics

	server *http.Server
}

func StartApiServer(logger *zap.Logger, startupLogger *zap.Logger, config *Config, registry *SessionRegistry, pipeline *Pipeline, presence *PresenceStore, graph GraphResolver, bus Bus, kv KV, metrics *LocalMetrics) *ApiServer {
	a := &ApiServer{
		logger:   logger,
		config:   config,
		registry: registry,
		pipeline: pipeline,
		presence: presence,
		graph:    graph,
		bus:      bus,
		kv:       kv,
		metrics:  metrics,
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", a.serveWs).Methods(http.MethodGet)
	router.HandleFunc("/presence/leaderboard", a.serveLeaderboard).Methods(http.MethodGet)
	router.HandleFunc("/healthz", a.serveHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	handler := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(handlers.ProxyHeaders(router))

	a.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Socket.Address, config.Socket.Port),
		Handler:      handler,
		ReadTimeout:  0, // sockets are long-lived
		WriteTimeout: 0,
	}

	startupLogger.Info("Starting API server", zap.String("addr", a.server.Addr))
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return a
}

func (a *ApiServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("API server shutdown failed", zap.Error(err))
	}
}

// serveWs authenticates, upgrades, and runs a presence session until the
// socket closes.
func (a *ApiServer) serveWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.authenticate(r)
	if !ok {
		http.Error(w, "Missing or invalid token", http.StatusUnauthorized)
		return
	}

	upgrader := &websocket.Upgrader{
		ReadBufferSize:  a.config.Socket.ReadBufferSizeBytes,
		WriteBufferSize: a.config.Socket.WriteBufferSizeBytes,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// http.Error is invoked automatically from within the Upgrade function.
		a.logger.Debug("Could not upgrade to WebSocket", zap.Error(err))
		return
	}

	clientIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	sessionID := uuid.Must(uuid.NewV4())

	a.metrics.CountWebsocketOpened(1)

	session := NewSessionWS(a.logger, a.config, sessionID, userID, clientIP, conn, a.registry, a.bus, a.pipeline, a.metrics)
	a.registry.Add(session)

	// Every socket observes its own transitions for multi-device parity;
	// no authorization check applies to the self topic.
	if err := session.JoinTopic(session.Context(), StatusTopic(userID)); err != nil {
		a.logger.Warn("Failed to join self topic", zap.Int64("uid", userID), zap.Error(err))
	}
	session.SendMessage(&connectedMessage{Type: MsgTypeConnected, UserID: userID})

	session.Consume()

	a.metrics.CountWebsocketClosed(1)
}

func (a *ApiServer) serveLeaderboard(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.authenticate(r)
	if !ok {
		http.Error(w, "Missing or invalid token", http.StatusUnauthorized)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > leaderboardMaxLimit {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	now := time.Now().UTC().Unix()
	friends, err := FriendsLeaderboard(r.Context(), a.graph, a.presence, userID, limit, now)
	if err != nil {
		if errors.Is(err, ErrKVTransient) || errors.Is(err, ErrGraphUnavailable) {
			http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		a.logger.Error("Leaderboard query failed", zap.Int64("uid", userID), zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string][]FriendStatus{"friends": friends}); err != nil {
		a.logger.Debug("Could not write leaderboard response", zap.Error(err))
	}
}

func (a *ApiServer) serveHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.kv.Healthy(ctx); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// authenticate resolves the caller's user ID from a bearer token in the
// Authorization header or a token query parameter.
func (a *ApiServer) authenticate(r *http.Request) (int64, bool) {
	var token string
	if auth := r.Header["Authorization"]; len(auth) >= 1 {
		const prefix = "Bearer "
		if !strings.HasPrefix(auth[0], prefix) {
			return 0, false
		}
		token = auth[0][len(prefix):]
	} else {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return 0, false
	}
	return parseToken([]byte(a.config.Session.EncryptionKey), token)
}

// parseToken verifies an HMAC session token and extracts the user identity.
func parseToken(hmacKey []byte, tokenString string) (int64, bool) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return hmacKey, nil
	})
	if err != nil || !token.Valid {
		return 0, false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, false
	}
	uid, ok := claims["uid"].(float64)
	if !ok || uid <= 0 {
		return 0, false
	}
	return int64(uid), true
}

// generateToken mints a session token. The identity subsystem owns token
// issuance in production; this is used by tooling and tests.
func generateToken(hmacKey []byte, userID int64, expiry time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid": userID,
		"exp": time.Now().UTC().Add(expiry).Unix(),
	})
	return token.SignedString(hmacKey)
}
