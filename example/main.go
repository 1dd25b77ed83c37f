package main

import (
	"context"
	"fmt"
	"time"

	flowthings "github.com/flowthings/flowthings.go"
	"github.com/flowthings/flowthings.go/pkg/connection/gorillaws"
)

type Flow struct {
	ID          string `json:"id,omitempty"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

type Drop struct {
	ID     string  `json:"id,omitempty"`
	FlowID string  `json:"flowId,omitempty"`
	Elems  Reading `json:"elems"`
}

type Reading struct {
	Temp float64 `json:"temp"`
}

func main() {
	server, s := newFakeSession(gorillaws.New(), nil)
	defer server.Stop() //nolint:errcheck
	defer s.Close(context.Background()) //nolint:errcheck

	flowID := createFlow(s, "/alice/weather")

	drops := make(chan Drop, 4)
	_, err := call(func(opt flowthings.SendOption) (int64, error) {
		return s.Flow().Subscribe(flowID, func(n *flowthings.Notification) {
			var d Drop
			if err := n.Decode(&d); err == nil {
				drops <- d
			}
		}, opt)
	})
	if err != nil {
		panic(err)
	}

	for _, temp := range []float64{18.5, 19, 21.25} {
		if _, err := s.Drop().Create(flowID, map[string]any{"elems": Reading{Temp: temp}}); err != nil {
			panic(err)
		}
		select {
		case d := <-drops:
			fmt.Printf("%s temp=%.2f\n", d.FlowID, d.Elems.Temp)
		case <-time.After(callTimeout):
			panic("no drop")
		}
	}
}
