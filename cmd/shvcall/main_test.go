package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"shv-client/server"
	"shv-client/session"
)

func startBroker(t *testing.T) string {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	svr := server.NewServer(log)
	svr.AddUser("test", "abc123")
	svr.Handle("test", "echo", func(ctx context.Context, params *structpb.Value) (*structpb.Value, error) {
		return params, nil
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve(ln)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return "tcp://" + ln.Addr().String()
}

func TestRunCall(t *testing.T) {
	url := startBroker(t)
	var out, errOut bytes.Buffer
	err := run(options{
		url:     url + "?user=test&password=abc123",
		path:    "test",
		method:  "echo",
		params:  `{"a": [1, 2]}`,
		timeout: 2 * time.Second,
		events:  true,
	}, &out, &errOut)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": [1, 2]}`, out.String())
}

func TestRunDir(t *testing.T) {
	url := startBroker(t)
	var out bytes.Buffer
	err := run(options{url: url + "?user=test&password=abc123", method: "dir", timeout: 2 * time.Second}, &out, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, `["dir","ls"]`, strings.Join(strings.Fields(out.String()), ""))
}

func TestRunLoginFailure(t *testing.T) {
	url := startBroker(t)
	err := run(options{url: url + "?user=test&password=nope", method: "dir", timeout: 2 * time.Second}, &bytes.Buffer{}, &bytes.Buffer{})
	require.ErrorIs(t, err, session.ErrLoginFailed)
	assert.Contains(t, err.Error(), server.ReasonInvalidCredentials)
}

func TestRunErrors(t *testing.T) {
	err := run(options{method: "dir", timeout: time.Second}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "no broker")

	err = run(options{url: "tcp://127.0.0.1:1", params: "{bad", timeout: time.Second}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Error(t, err)
}
