/*
Copyright 2021 The Custodian Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// CommandExecutor runs publish attempts in an isolated subprocess. The
// subprocess holds the forge credentials; this process never does.
// Protocol: JSON request on stdin, JSON on stdout; exit 0 carries a
// Result, exit 1 a Failure, anything else is a protocol violation.
type CommandExecutor struct {
	Argv []string
	Log  *logrus.Entry
}

var _ Executor = &CommandExecutor{}

// Publish implements Executor.
func (e *CommandExecutor) Publish(ctx context.Context, req *Request) (*Result, error) {
	if len(e.Argv) == 0 {
		return nil, &Failure{Code: "publisher-invalid-response", Description: "no publish command configured"}
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.Argv[0], e.Argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if e.Log != nil {
		// Subprocess stderr is free-form; mirror it into our log.
		w := e.Log.WithField("publish", req.LogID).WriterLevel(logrus.InfoLevel)
		defer w.Close()
		cmd.Stderr = w
	}

	runErr := cmd.Run()
	if runErr == nil {
		var result Result
		if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
			return nil, &Failure{
				Code:        "publisher-invalid-response",
				Description: fmt.Sprintf("unparseable publisher output: %s", err),
			}
		}
		return &result, nil
	}
	exitErr, ok := runErr.(*exec.ExitError)
	if !ok || exitErr.ExitCode() != 1 {
		return nil, &Failure{
			Code:        "publisher-invalid-response",
			Description: fmt.Sprintf("publisher exited abnormally: %s", runErr),
		}
	}
	var failure Failure
	if err := json.Unmarshal(stdout.Bytes(), &failure); err != nil || failure.Code == "" {
		return nil, &Failure{
			Code:        "publisher-invalid-response",
			Description: fmt.Sprintf("publisher failed without a parseable reason: %s", stdout.String()),
		}
	}
	return nil, &failure
}
