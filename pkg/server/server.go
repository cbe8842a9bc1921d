package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/events"
	"github.com/taskgraph/taskgraph/pkg/log"
	"github.com/taskgraph/taskgraph/pkg/metrics"
	"github.com/taskgraph/taskgraph/pkg/types"
)

// ProtocolVersion is the MCP protocol revision the server speaks.
const ProtocolVersion = "2024-11-05"

// Server drives one transport session: line-delimited JSON-RPC over
// stdio, one request per frame, one response per frame, with change
// notifications interleaved between responses.
type Server struct {
	dispatcher *Dispatcher
	info       ServerInfo
	logger     zerolog.Logger

	in  io.Reader
	out io.Writer

	outMu sync.Mutex
	enc   *json.Encoder

	subsMu sync.Mutex
	subs   map[string]bool
}

// NewServer creates a session over stdin/stdout.
func NewServer(dispatcher *Dispatcher, info ServerInfo) *Server {
	return NewServerIO(dispatcher, info, os.Stdin, os.Stdout)
}

// NewServerIO creates a session over explicit streams, used by tests.
func NewServerIO(dispatcher *Dispatcher, info ServerInfo, in io.Reader, out io.Writer) *Server {
	return &Server{
		dispatcher: dispatcher,
		info:       info,
		logger:     log.WithComponent("server"),
		in:         in,
		out:        out,
		enc:        json.NewEncoder(out),
		subs:       map[string]bool{},
	}
}

// Run reads frames until the input closes or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	// Fan change events out to this session's subscriptions.
	sub := s.dispatcher.Broker.Subscribe()
	defer s.dispatcher.Broker.Unsubscribe(sub)
	go s.forwardEvents(ctx, sub)

	scanner := bufio.NewScanner(s.in)
	// Frames can be large: snapshot envelopes, tree creates.
	scanner.Buffer(make([]byte, 0, 1024*1024), 32*1024*1024)

	s.logger.Info().Str("name", s.info.Name).Str("version", s.info.Version).Msg("Server started")

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if resp := s.handleMessage(ctx, line); resp != nil {
			if err := s.write(resp); err != nil {
				return fmt.Errorf("writing response: %w", err)
			}
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("reading input: %w", err)
	}
	s.logger.Info().Msg("Server stopped (input closed)")
	return nil
}

func (s *Server) write(v any) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.enc.Encode(v)
}

func (s *Server) forwardEvents(ctx context.Context, sub events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.subsMu.Lock()
			var matched []string
			for uri := range s.subs {
				if matchesInvalidation(ev.URI, uri) {
					matched = append(matched, uri)
				}
			}
			s.subsMu.Unlock()
			for _, uri := range matched {
				metrics.NotificationsTotal.Inc()
				// Best-effort: a failed notification never affects the
				// mutation that produced it.
				_ = s.write(&Notification{
					JSONRPC: "2.0",
					Method:  "notifications/resources/updated",
					Params:  map[string]string{"uri": uri},
				})
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Error().Err(err).Msg("Failed to parse request")
		return &Response{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: ErrCodeParse, Message: "Parse error", Data: err.Error()},
		}
	}

	// Notifications (no id) get no response.
	if req.ID == nil {
		s.logger.Debug().Str("method", req.Method).Msg("Received notification")
		return nil
	}

	result, rpcErr := s.dispatch(ctx, &req)
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return &ToolsListResult{Tools: s.dispatcher.Definitions()}, nil
	case "tools/call":
		return s.handleToolsCall(ctx, req.Params)
	case "resources/list":
		return &ResourcesListResult{Resources: resourceDefs}, nil
	case "resources/read":
		return s.handleResourcesRead(req.Params)
	case "resources/subscribe":
		return s.handleSubscribe(req.Params, true)
	case "resources/unsubscribe":
		return s.handleSubscribe(req.Params, false)
	default:
		return nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid initialize params", Data: err.Error()}
		}
	}
	s.logger.Info().
		Str("client", p.ClientInfo.Name).
		Str("client_version", p.ClientInfo.Version).
		Msg("Client connecting")

	return &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools:     &ToolsCapability{},
			Resources: &ResourcesCapability{Subscribe: true},
		},
		ServerInfo: s.info,
	}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p ToolsCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid tools/call params", Data: err.Error()}
	}

	result, _, err := s.dispatcher.Call(ctx, p.Name, p.Arguments)
	if err != nil {
		structured := types.AsError(err)
		payload, merr := json.Marshal(structured)
		if merr != nil {
			payload = []byte(fmt.Sprintf(`{"kind":"storage","message":%q}`, structured.Message))
		}
		return &ToolsCallResult{
			Content: []ContentBlock{{Type: "text", Text: string(payload)}},
			IsError: true,
		}, nil
	}

	text, rerr := s.render(result)
	if rerr != nil {
		return nil, &RPCError{Code: ErrCodeInternal, Message: rerr.Error()}
	}
	return &ToolsCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}, nil
}

func (s *Server) render(result any) (string, error) {
	snap := s.dispatcher.Config.Current()
	if snap.Server.DefaultFormat == config.FormatMarkdown {
		return renderMarkdown(result), nil
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Server) handleResourcesRead(params json.RawMessage) (any, *RPCError) {
	var p ResourcesReadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid resources/read params", Data: err.Error()}
	}
	text, err := s.dispatcher.ReadResource(p.URI)
	if err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: err.Error()}
	}
	return &ResourcesReadResult{
		Contents: []ResourceContent{{URI: p.URI, MimeType: "application/json", Text: text}},
	}, nil
}

func (s *Server) handleSubscribe(params json.RawMessage, subscribe bool) (any, *RPCError) {
	var p ResourcesSubscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid subscribe params", Data: err.Error()}
	}
	s.subsMu.Lock()
	if subscribe {
		s.subs[p.URI] = true
	} else {
		delete(s.subs, p.URI)
	}
	s.subsMu.Unlock()
	return map[string]any{}, nil
}
