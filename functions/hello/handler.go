// hello is written against aws-lambda-go and runs unchanged on the emulator.
package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
)

type event struct {
	Name string `json:"name"`
}

type greeting struct {
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

func handler(ctx context.Context, e event) (greeting, error) {
	name := e.Name
	if name == "" {
		name = "world"
	}
	g := greeting{Message: fmt.Sprintf("Hello, %s!", name)}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		g.RequestID = lc.AwsRequestID
	}
	return g, nil
}

func main() {
	lambda.Start(handler)
}
