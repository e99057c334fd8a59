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

// Package localrpc exposes the OS-local control surface on a unix socket:
// notify (value-change poll), inform <event> (trigger a session) and
// command reload|stop.
package localrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/Niceblueman/ispapp-cwmpclient/pkg/cwmp"
)

// Engine is the session-engine surface the RPCs drive.
type Engine interface {
	Notify()
	ConnectionRequest(code cwmp.EventCode)
	RequestReload()
	RequestStop()
}

// Request is one JSON request on the socket.
type Request struct {
	Method string `json:"method"`
	Event  string `json:"event,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Response is the JSON reply.
type Response struct {
	Status int    `json:"status"`
	Info   string `json:"info,omitempty"`
}

// Server accepts one request per connection on a unix socket.
type Server struct {
	log      *slog.Logger
	path     string
	engine   Engine
	listener net.Listener
}

// New builds the local RPC server on the given socket path.
func New(path string, engine Engine, log *slog.Logger) *Server {
	return &Server{log: log, path: path, engine: engine}
}

// ListenAndServe accepts requests until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	os.Remove(s.path)
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	s.listener = l
	s.log.Info("local rpc listening", "socket", s.path)

	go func() {
		<-ctx.Done()
		l.Close()
		os.Remove(s.path)
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting local rpc connection: %w", err)
		}
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		json.NewEncoder(conn).Encode(Response{Status: -1, Info: "invalid request"})
		return
	}
	resp := s.dispatch(&req)
	json.NewEncoder(conn).Encode(resp)
}

func (s *Server) dispatch(req *Request) Response {
	switch req.Method {
	case "notify":
		s.log.Info("triggered local notification")
		s.engine.Notify()
		return Response{Status: 0}

	case "inform":
		code, ok := cwmp.EventCodeFromString(req.Event)
		if !ok {
			return Response{Status: -1, Info: fmt.Sprintf("unknown event %q", req.Event)}
		}
		s.log.Info("triggered local inform", "event", req.Event)
		s.engine.ConnectionRequest(code)
		return Response{Status: 0}

	case "command":
		switch req.Name {
		case "reload":
			s.log.Info("triggered local reload")
			s.engine.RequestReload()
			return Response{Status: 0, Info: "ispappcwmpd reloaded"}
		case "stop":
			s.log.Info("triggered local stop")
			s.engine.RequestStop()
			return Response{Status: 0, Info: "ispappcwmpd stopped"}
		}
		return Response{Status: -1, Info: fmt.Sprintf("%s command is not supported", req.Name)}
	}
	return Response{Status: -1, Info: fmt.Sprintf("%s method is not supported", req.Method)}
}
