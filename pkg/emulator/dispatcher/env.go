package dispatcher

import (
	"fmt"
	"strconv"

	"github.com/3s-rg-codes/hyperlocal/pkg/builder"
)

const functionVersion = "$LATEST"

// workerEnv merges the caller's variables, the variables resolved by the
// builder and the platform metadata, later sources winning.
func (d *Dispatcher) workerEnv(fn *builder.Function, workerID string, callerEnv, resolvedEnv map[string]string) map[string]string {
	env := make(map[string]string, len(callerEnv)+len(resolvedEnv)+8)
	for k, v := range callerEnv {
		env[k] = v
	}
	for k, v := range resolvedEnv {
		env[k] = v
	}

	env["AWS_LAMBDA_RUNTIME_API"] = fmt.Sprintf("%s/%s/%s", d.cfg.RuntimeAPIAddress, workerID, fn.Key())
	env["AWS_LAMBDA_FUNCTION_NAME"] = fn.Name
	env["AWS_LAMBDA_FUNCTION_MEMORY_SIZE"] = strconv.Itoa(memoryOf(fn))
	env["AWS_LAMBDA_FUNCTION_VERSION"] = functionVersion
	env["IS_LOCAL"] = "true"
	env["AWS_XRAY_SDK_ENABLED"] = "false"
	env["AWS_XRAY_CONTEXT_MISSING"] = "IGNORE_ERROR"
	return env
}

func memoryOf(fn *builder.Function) int {
	if fn.MemoryMB > 0 {
		return fn.MemoryMB
	}
	return DefaultMemoryMB
}
