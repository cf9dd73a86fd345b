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

// The worker polls the runner for assignments, executes the assigned
// command in a fresh output directory and reports the outcome. It is
// deliberately thin: everything it knows about a run arrives in the
// assignment document, and everything it learned leaves in the finish
// upload.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/custodian-sh/custodian/interrupts"
	"github.com/custodian-sh/custodian/logrusutil"
	"github.com/custodian-sh/custodian/runner"
	"github.com/custodian-sh/custodian/vcs"
)

var (
	baseURL         = flag.String("base-url", "", "Base URL of the runner. Required.")
	outputDirectory = flag.String("output-directory", "/var/lib/custodian/worker", "Directory run outputs are staged in.")
	workerName      = flag.String("worker-name", "", "Name reported to the runner; defaults to the hostname.")
	externalAddress = flag.String("external-address", "", "URL describing this worker, shown on the runner's status page.")
	credentials     = flag.String("credentials", "", "Path to a JSON file with login/password for the runner.")

	preCheck  = flag.String("pre-check", "", "Shell command run before requesting an assignment; failure exits.")
	postCheck = flag.String("post-check", "", "Shell command run after a successful run; failure fails the run.")

	pollInterval = flag.Duration("poll-interval", time.Minute, "Wait between assignment requests when the queue is empty.")
	loop         = flag.Bool("loop", false, "Keep requesting assignments; the default is one run and exit.")
)

func main() {
	flag.Parse()
	logrusutil.ComponentInit("worker")
	log := logrus.NewEntry(logrus.StandardLogger())

	if *baseURL == "" {
		logrus.Fatal("Must specify --base-url.")
	}
	if *workerName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			logrus.WithError(err).Fatal("Error determining hostname.")
		}
		*workerName = hostname
	}

	client := &workerClient{
		base: strings.TrimSuffix(*baseURL, "/"),
		http: newHTTPClient(),
	}
	if *credentials != "" {
		creds, err := loadCredentials(*credentials)
		if err != nil {
			logrus.WithError(err).Fatal("Error loading credentials.")
		}
		client.creds = creds
	}

	interrupts.Run(func(ctx context.Context) {
		for ctx.Err() == nil {
			if *preCheck != "" {
				if err := runShell(ctx, *preCheck, ""); err != nil {
					logrus.WithError(err).Fatal("Pre-check failed; not requesting work.")
				}
			}
			processed, wait, err := processOne(ctx, client, log)
			if err != nil {
				log.WithError(err).Error("Error processing assignment.")
			}
			if processed && !*loop {
				return
			}
			if wait <= 0 {
				wait = *pollInterval
			}
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
	})
	interrupts.WaitForGracefulShutdown()
}

func newHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	return rc.StandardClient()
}

// assignment is the document the runner hands out on /assign.
type assignment struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	QueueID     uint64 `json:"queue_id"`
	Branch      struct {
		URL       string `json:"url"`
		Subpath   string `json:"subpath"`
		VCSType   string `json:"vcs_type"`
		CachedURL string `json:"cached_url"`
	} `json:"branch"`
	Resume json.RawMessage `json:"resume"`
	Build  struct {
		Target      string            `json:"target"`
		Environment map[string]string `json:"environment"`
	} `json:"build"`
	Env     map[string]string `json:"env"`
	Command string            `json:"command"`
	Suite   string            `json:"suite"`
}

// runnerCredentials is the JSON document --credentials points at.
type runnerCredentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func loadCredentials(path string) (*runnerCredentials, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var creds runnerCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &creds, nil
}

type workerClient struct {
	base  string
	http  *http.Client
	creds *runnerCredentials
}

func (c *workerClient) url(path string) string { return c.base + path }

func (c *workerClient) do(req *http.Request) (*http.Response, error) {
	if c.creds != nil {
		req.SetBasicAuth(c.creds.Login, c.creds.Password)
	}
	return c.http.Do(req)
}

// assign requests work. A nil assignment with a positive wait means
// the queue is empty or the runner asked us to back off.
func (c *workerClient) assign(ctx context.Context) (*assignment, time.Duration, error) {
	body, _ := json.Marshal(map[string]string{
		"worker":      *workerName,
		"worker_link": *externalAddress,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/assign"), bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated:
		var a assignment
		if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
			return nil, 0, fmt.Errorf("decoding assignment: %w", err)
		}
		return &a, 0, nil
	case http.StatusServiceUnavailable:
		return nil, 0, nil
	case http.StatusTooManyRequests:
		return nil, vcs.ParseRetryAfter(resp.Header.Get("Retry-After")), nil
	default:
		return nil, 0, fmt.Errorf("assign: unexpected status %d", resp.StatusCode)
	}
}

// keepalive reports liveness; the response tells us whether the
// operator asked for the run to be killed.
func (c *workerClient) keepalive(ctx context.Context, id string) (kill bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/active-runs/"+id+"/keepalive"), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	var doc struct {
		Kill bool `json:"kill"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return false, err
	}
	return doc.Kill, nil
}

func (c *workerClient) sendLogChunk(ctx context.Context, id, name string, chunk []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.url("/active-runs/"+id+"/log/"+name), bytes.NewReader(chunk))
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// finish uploads result.json plus every file the run left in its
// output directory.
func (c *workerClient) finish(ctx context.Context, id string, resultJSON []byte, dir string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("result.json", "result.json")
	if err != nil {
		return err
	}
	if _, err := part.Write(resultJSON); err != nil {
		return err
	}
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == "result.json" {
			continue
		}
		part, err := mw.CreateFormFile(entry.Name(), entry.Name())
		if err != nil {
			return err
		}
		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/active-runs/"+id+"/finish"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		return fmt.Errorf("finish: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// processOne requests and executes a single assignment. processed is
// false when the queue was empty; wait is a backoff the runner asked
// for.
func processOne(ctx context.Context, client *workerClient, log *logrus.Entry) (processed bool, wait time.Duration, err error) {
	a, wait, err := client.assign(ctx)
	if err != nil || a == nil {
		return false, wait, err
	}
	log = log.WithFields(logrus.Fields{"run_id": a.ID, "description": a.Description})
	log.Info("Assignment received.")

	dir := filepath.Join(*outputDirectory, a.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return true, 0, err
	}
	startTime := time.Now().UTC()
	runErr := executeRun(ctx, client, a, dir, log)
	if runErr == nil && *postCheck != "" {
		if err := runShell(ctx, *postCheck, dir); err != nil {
			runErr = &runFailure{code: "post-check-failed", description: err.Error()}
		}
	}

	resultJSON, err := buildResult(a, dir, startTime, runErr)
	if err != nil {
		return true, 0, err
	}
	if err := client.finish(ctx, a.ID, resultJSON, dir); err != nil {
		return true, 0, fmt.Errorf("uploading result: %w", err)
	}
	log.Info("Run finished.")
	return true, 0, nil
}

// runFailure is a run verdict other than success.
type runFailure struct {
	code        string
	description string
}

func (f *runFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.code, f.description)
}

// executeRun runs the assigned command, streaming its combined output
// to the runner and keeping the run alive.
func executeRun(ctx context.Context, client *workerClient, a *assignment, dir string, log *logrus.Entry) error {
	argv := strings.Fields(a.Command)
	if len(argv) == 0 {
		return &runFailure{code: "no-command", description: "assignment carried no command"}
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = runEnv(a)

	logFile, err := os.Create(filepath.Join(dir, "worker.log"))
	if err != nil {
		return err
	}
	defer logFile.Close()
	streamer := &logStreamer{ctx: ctx, client: client, runID: a.ID, name: "worker.log", file: logFile}
	cmd.Stdout = streamer
	cmd.Stderr = streamer

	if err := cmd.Start(); err != nil {
		return &runFailure{code: "worker-failure", description: err.Error()}
	}

	done := make(chan struct{})
	go keepAlive(runCtx, client, a.ID, cancel, done, log)

	waitErr := cmd.Wait()
	close(done)
	streamer.Flush()
	if runCtx.Err() != nil && ctx.Err() == nil {
		return &runFailure{code: "killed", description: "run killed on operator request"}
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return &runFailure{
				code:        "worker-failure",
				description: fmt.Sprintf("command exited with status %d", exitErr.ExitCode()),
			}
		}
		return &runFailure{code: "worker-failure", description: waitErr.Error()}
	}
	return nil
}

// keepAlive pings the runner for the duration of the run and cancels
// the command when a kill comes back.
func keepAlive(ctx context.Context, client *workerClient, id string, cancel context.CancelFunc, done <-chan struct{}, log *logrus.Entry) {
	ticker := time.NewTicker(runner.KeepaliveInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			kill, err := client.keepalive(ctx, id)
			if err != nil {
				log.WithError(err).Warning("Keepalive failed.")
				continue
			}
			if kill {
				log.Warning("Kill requested; terminating run.")
				cancel()
				return
			}
		}
	}
}

// logStreamer tees command output into the local log file and ships
// each write to the runner. Shipping failures are ignored: the full
// log goes up with the finish upload anyway.
type logStreamer struct {
	ctx    context.Context
	client *workerClient
	runID  string
	name   string
	file   *os.File

	pending []byte
	lastPut time.Time
}

const logFlushInterval = 10 * time.Second

func (s *logStreamer) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	if err != nil {
		return n, err
	}
	s.pending = append(s.pending, p[:n]...)
	if time.Since(s.lastPut) >= logFlushInterval {
		s.Flush()
	}
	return n, nil
}

func (s *logStreamer) Flush() {
	if len(s.pending) == 0 {
		return
	}
	s.client.sendLogChunk(s.ctx, s.runID, s.name, s.pending)
	s.pending = nil
	s.lastPut = time.Now()
}

// runEnv assembles the subprocess environment from the assignment.
func runEnv(a *assignment) []string {
	env := os.Environ()
	for k, v := range a.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range a.Build.Environment {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"BRANCH_URL="+a.Branch.URL,
		"CACHED_BRANCH_URL="+a.Branch.CachedURL,
		"VCS_TYPE="+a.Branch.VCSType,
		"SUITE="+a.Suite,
		"QUEUE_ID="+strconv.FormatUint(a.QueueID, 10),
	)
	return env
}

// buildResult loads the result.json the command left behind (if any)
// and stamps the envelope fields the runner needs to route it.
func buildResult(a *assignment, dir string, startTime time.Time, runErr error) ([]byte, error) {
	wr := runner.WorkerResult{}
	if raw, err := ioutil.ReadFile(filepath.Join(dir, "result.json")); err == nil {
		if err := json.Unmarshal(raw, &wr); err != nil {
			return nil, fmt.Errorf("parsing result.json: %w", err)
		}
	}
	if runErr != nil {
		if failure, ok := runErr.(*runFailure); ok {
			wr.Code = failure.code
			wr.Description = failure.description
		} else {
			wr.Code = "worker-failure"
			wr.Description = runErr.Error()
		}
	}
	wr.QueueID = a.QueueID
	wr.WorkerName = *workerName
	if wr.StartTime.IsZero() {
		wr.StartTime = startTime
	}
	if wr.FinishTime.IsZero() {
		wr.FinishTime = time.Now().UTC()
	}
	return json.Marshal(&wr)
}

// runShell runs a hook command through the shell.
func runShell(ctx context.Context, command, dir string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
