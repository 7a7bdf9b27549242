package main

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"

	"shv-client/message"
	"shv-client/server"
)

// appNode answers under .app.
type appNode struct {
	started time.Time
}

func (a *appNode) Ping(ctx context.Context, params *structpb.Value) (*structpb.Value, error) {
	return structpb.NewNullValue(), nil
}

func (a *appNode) Echo(ctx context.Context, params *structpb.Value) (*structpb.Value, error) {
	return params, nil
}

func (a *appNode) Uptime(ctx context.Context, params *structpb.Value) (*structpb.Value, error) {
	return structpb.NewNumberValue(time.Since(a.started).Seconds()), nil
}

func (a *appNode) User(ctx context.Context, params *structpb.Value) (*structpb.Value, error) {
	return structpb.NewStringValue(server.UserFromContext(ctx)), nil
}

// propertyNode is a readable and writable value under test/.
type propertyNode struct {
	svr  *server.Server
	path string

	mu    sync.Mutex
	value *structpb.Value
}

func (p *propertyNode) Get(ctx context.Context, params *structpb.Value) (*structpb.Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, nil
}

// Set stores params and notifies every client with a chng notification.
func (p *propertyNode) Set(ctx context.Context, params *structpb.Value) (*structpb.Value, error) {
	if params == nil || params.GetKind() == nil {
		return nil, message.NewRPCError(message.CodeInvalidParams, "set requires a value")
	}
	p.mu.Lock()
	p.value = params
	p.mu.Unlock()
	if _, err := p.svr.Notify(p.path, "chng", params); err != nil {
		return nil, errors.Wrap(err, "notify")
	}
	return structpb.NewBoolValue(true), nil
}

func registerNodes(svr *server.Server) {
	mustRegister(svr, ".app", &appNode{started: time.Now()})
	mustRegister(svr, "test/property", &propertyNode{svr: svr, path: "test/property", value: structpb.NewNumberValue(0)})
}

func mustRegister(svr *server.Server, path string, rcvr any) {
	if err := svr.Register(path, rcvr); err != nil {
		panic(err)
	}
}
