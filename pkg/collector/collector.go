// Copyright 2023 The Parca Authors
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

// Package collector implements the protocol between the agent and the
// collector: polling for tracepoint changes and sending snapshots.
package collector

import (
	"context"
	"errors"

	"google.golang.org/grpc"

	"github.com/parca-dev/deep-agent/pkg/snapshot"
	"github.com/parca-dev/deep-agent/pkg/tracepoint"
)

const (
	ServiceName = "deep.collector.v1.CollectorService"

	PollMethod = "/" + ServiceName + "/Poll"
	SendMethod = "/" + ServiceName + "/Send"
)

// ResponseType tells the agent whether its tracepoint set is current.
type ResponseType string

const (
	ResponseNoChange ResponseType = "NO_CHANGE"
	ResponseUpdate   ResponseType = "UPDATE"
)

// Tracepoint is a tracepoint config on the wire.
type Tracepoint struct {
	ID      string            `json:"id"`
	Path    string            `json:"path"`
	Line    int               `json:"line"`
	Args    map[string]string `json:"args,omitempty"`
	Watches []string          `json:"watches,omitempty"`
}

// Config parses the wire form. The config is usable even when an error
// about malformed args is returned.
func (t Tracepoint) Config() (*tracepoint.Config, error) {
	return tracepoint.New(t.ID, t.Path, t.Line, t.Args, t.Watches)
}

func FromConfig(c *tracepoint.Config) Tracepoint {
	return Tracepoint{ID: c.ID, Path: c.Path, Line: c.Line, Args: c.Args, Watches: c.Watches}
}

type PollRequest struct {
	TsNanos     int64             `json:"tsNanos"`
	CurrentHash string            `json:"currentHash,omitempty"`
	Resource    map[string]string `json:"resource,omitempty"`
}

type PollResponse struct {
	TsNanos     int64        `json:"tsNanos"`
	CurrentHash string       `json:"currentHash"`
	Response    ResponseType `json:"responseType"`
	// Tracepoints is the complete set, only present with ResponseUpdate.
	Tracepoints []Tracepoint `json:"tracepoints,omitempty"`
}

type SendRequest struct {
	Snapshots []*snapshot.Snapshot `json:"snapshots"`
}

type SendResponse struct {
	Accepted int `json:"accepted"`
}

// Server is implemented by collectors.
type Server interface {
	Poll(ctx context.Context, req *PollRequest) (*PollResponse, error)
	Send(ctx context.Context, req *SendRequest) (*SendResponse, error)
}

// Client calls a collector.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Poll(ctx context.Context, req *PollRequest, opts ...grpc.CallOption) (*PollResponse, error) {
	out := new(PollResponse)
	if err := c.cc.Invoke(ctx, PollMethod, req, out, opts...); err != nil {
		return nil, err
	}
	switch out.Response {
	case ResponseNoChange, ResponseUpdate:
	default:
		return nil, errors.New("collector returned unknown response type " + string(out.Response))
	}
	return out, nil
}

func (c *Client) Send(ctx context.Context, req *SendRequest, opts ...grpc.CallOption) (*SendResponse, error) {
	out := new(SendResponse)
	if err := c.cc.Invoke(ctx, SendMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterServer registers srv with s. s must use the collector codec.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Poll", Handler: pollHandler},
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "deep/collector/v1/collector.json",
}

func pollHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PollRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Poll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PollMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Poll(ctx, req.(*PollRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Send(ctx, req.(*SendRequest))
	}
	return interceptor(ctx, in, info, handler)
}
