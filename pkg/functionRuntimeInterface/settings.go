package functionRuntimeInterface

import (
	"fmt"
	"os"
	"strings"
)

type runtimeSettings struct {
	// runtimeAPI is host:port/{workerId}/{functionId}.
	runtimeAPI   string
	workerID     string
	functionID   string
	functionName string
}

func loadRuntimeSettings() (runtimeSettings, error) {
	api, ok := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	if !ok || api == "" {
		return runtimeSettings{}, fmt.Errorf("environment variable AWS_LAMBDA_RUNTIME_API not found")
	}
	s := parseRuntimeAPI(api)
	s.functionName = os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
	return s, nil
}

func parseRuntimeAPI(api string) runtimeSettings {
	api = strings.TrimSuffix(strings.TrimPrefix(api, "http://"), "/")
	s := runtimeSettings{runtimeAPI: api}
	parts := strings.Split(api, "/")
	if len(parts) >= 3 {
		s.workerID = parts[len(parts)-2]
		s.functionID = parts[len(parts)-1]
	}
	return s
}
