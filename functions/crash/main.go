// crash exits in the middle of every invocation. The emulator settles the
// request with a process_crash failure.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/functionRuntimeInterface"
)

func main() {
	fn, err := functionRuntimeInterface.New()
	if err != nil {
		panic(err)
	}
	fn.Ready(handler)
}

func handler(ctx context.Context, in *functionRuntimeInterface.Request) (*functionRuntimeInterface.Response, error) {
	fmt.Fprintf(os.Stderr, "crashing during %s\n", in.Id)
	time.Sleep(100 * time.Millisecond)
	os.Exit(3)
	return nil, nil
}
