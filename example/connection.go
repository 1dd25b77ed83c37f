package main

import (
	"context"
	"errors"
	"time"

	flowthings "github.com/flowthings/flowthings.go"
	"github.com/flowthings/flowthings.go/internal/fakeflow"
	"github.com/flowthings/flowthings.go/pkg/connection"
	"github.com/flowthings/flowthings.go/pkg/connection/rews"
	"github.com/flowthings/flowthings.go/pkg/logger"
)

const callTimeout = 5 * time.Second

// newFakeSession starts a fake flowthings server and connects a session to it.
func newFakeSession(tr connection.Transport, tweak func(c *flowthings.Config)) (*fakeflow.Server, *flowthings.Session) {
	server := fakeflow.NewServer("127.0.0.1:0")
	if err := server.Start(); err != nil {
		panic(err)
	}

	cfg := flowthings.NewConfig("")
	cfg.Handshaker = server.Handshaker()
	cfg.Transport = tr
	cfg.Logger = logger.Nop()
	cfg.Backoff = rews.BackoffConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	if tweak != nil {
		tweak(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	s, err := flowthings.Connect(ctx, cfg)
	if err != nil {
		panic(err)
	}
	if err := s.WaitOpen(ctx); err != nil {
		panic(err)
	}

	return server, s
}

type result struct {
	res *flowthings.Response
	err error
}

// call sends a request and waits for its response.
func call(send func(opt flowthings.SendOption) (int64, error)) (*flowthings.Response, error) {
	ch := make(chan result, 1)
	opt := flowthings.WithResponseHandler(func(res *flowthings.Response, err error) {
		ch <- result{res: res, err: err}
	})

	if _, err := send(opt); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.res, r.err
	case <-time.After(callTimeout):
		return nil, errors.New("no response")
	}
}

func createFlow(s *flowthings.Session, path string) string {
	res, err := call(func(opt flowthings.SendOption) (int64, error) {
		return s.Flow().Create(map[string]any{"path": path}, opt)
	})
	if err != nil {
		panic(err)
	}

	var flow Flow
	if err := res.Decode(&flow); err != nil {
		panic(err)
	}
	return flow.ID
}
