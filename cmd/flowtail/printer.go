package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/goccy/go-json"

	flowthings "github.com/flowthings/flowthings.go"
)

type printer struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time

	flow  *color.Color
	alert *color.Color
}

func newPrinter(w io.Writer) *printer {
	return &printer{
		w:     w,
		now:   time.Now,
		flow:  color.New(color.FgCyan, color.Bold),
		alert: color.New(color.FgYellow),
	}
}

func (p *printer) print(n *flowthings.Notification) {
	value, err := json.Marshal(n.Value)
	if err != nil {
		value = []byte(fmt.Sprintf("%v", n.Value))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s %s\n", p.now().Format(time.TimeOnly), p.flow.Sprint(n.Resource), value)
}

func (p *printer) failure(flow string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s %s\n", p.now().Format(time.TimeOnly), p.flow.Sprint(flow), p.alert.Sprintf("subscribe failed: %v", err))
}

func (p *printer) warn(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n", p.now().Format(time.TimeOnly), p.alert.Sprint(err))
}
