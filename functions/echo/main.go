// echo returns its event. {"fail": "message"} makes the invocation fail and
// {"sleepMs": n} delays the answer.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/functionRuntimeInterface"
)

type controls struct {
	Fail    string `json:"fail"`
	SleepMs int    `json:"sleepMs"`
}

func main() {
	fn, err := functionRuntimeInterface.New()
	if err != nil {
		panic(err)
	}
	fn.Ready(handler)
}

func handler(ctx context.Context, in *functionRuntimeInterface.Request) (*functionRuntimeInterface.Response, error) {
	fmt.Printf("echo %s: %d bytes\n", in.Id, len(in.Data))

	var c controls
	// events that are not objects are echoed unchanged
	_ = json.Unmarshal(in.Data, &c)

	if c.SleepMs > 0 {
		select {
		case <-time.After(time.Duration(c.SleepMs) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.Fail != "" {
		return nil, &functionRuntimeInterface.ErrorPayload{ErrorType: "EchoError", ErrorMessage: c.Fail}
	}
	return &functionRuntimeInterface.Response{Data: in.Data}, nil
}
