// Copyright 2023 N4-Networks.com
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package connreq is the ACS-facing connection-request listener: an
// authenticated request wakes the session engine with a "6 CONNECTION
// REQUEST" event. The X-ISPAPP-Command header switches a request onto the
// local command side channel.
package connreq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/Niceblueman/ispapp-cwmpclient/internal/command"
	"github.com/Niceblueman/ispapp-cwmpclient/pkg/config"
	"github.com/Niceblueman/ispapp-cwmpclient/pkg/cwmp"
)

const commandHeader = "X-ISPAPP-Command"

// Trigger is the engine surface the listener wakes.
type Trigger interface {
	ConnectionRequest(code cwmp.EventCode)
}

// Server is the connection-request HTTP listener.
type Server struct {
	log     *slog.Logger
	cfg     config.LocalConfig
	trigger Trigger
	runner  *command.Runner
	nonces  *noncer
	httpd   *http.Server
}

// New builds the listener for local.port.
func New(cfg config.LocalConfig, trigger Trigger, runner *command.Runner, log *slog.Logger) *Server {
	s := &Server{
		log:     log,
		cfg:     cfg,
		trigger: trigger,
		runner:  runner,
		nonces:  newNoncer(),
	}

	router := mux.NewRouter()
	router.PathPrefix("/").HandlerFunc(s.handle)

	s.httpd = &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		Handler:      handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(router),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// ListenAndServe blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("connection request listener started", "addr", s.httpd.Addr)
	err := s.httpd.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpd.Shutdown(ctx)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.log.Info("connection request authorization failed", "remote", r.RemoteAddr)
		if s.cfg.AuthBasic() {
			w.Header().Set("WWW-Authenticate", basicChallenge())
		} else {
			w.Header().Set("WWW-Authenticate", s.nonces.challenge(time.Now()))
		}
		w.Header().Set("Content-Length", "0")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if header := r.Header.Get(commandHeader); header != "" {
		s.handleCommand(w, r, header)
		return
	}

	// Standard CWMP connection request.
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	s.log.Info("acs initiated connection", "remote", r.RemoteAddr)
	s.trigger.ConnectionRequest(cwmp.EventConnectionRequest)
}

// authorized verifies the configured scheme; with no credentials configured
// authentication is bypassed.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Username == "" || s.cfg.Password == "" {
		return true
	}
	if s.cfg.AuthBasic() {
		user, pass, ok := r.BasicAuth()
		return ok && user == s.cfg.Username && pass == s.cfg.Password
	}
	return s.nonces.checkDigest(r.Method, r.Header.Get("Authorization"), s.cfg.Username, s.cfg.Password, time.Now())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, header string) {
	writeJSON := func(status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}

	msg, err := command.ParseHeader(header)
	if err != nil {
		writeJSON(http.StatusBadRequest, map[string]string{"status": "error", "message": "Invalid command format"})
		return
	}
	result, err := s.runner.Execute(r.Context(), msg)
	if err != nil {
		writeJSON(http.StatusBadRequest, map[string]string{"status": "error", "message": "Command execution failed"})
		return
	}
	writeJSON(http.StatusOK, result)
}
