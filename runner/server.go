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

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/custodian-sh/custodian/artifacts"
	"github.com/custodian-sh/custodian/builder"
	"github.com/custodian-sh/custodian/config"
	"github.com/custodian-sh/custodian/hoster"
	"github.com/custodian-sh/custodian/logs"
	"github.com/custodian-sh/custodian/pubsub"
	"github.com/custodian-sh/custodian/state"
	"github.com/custodian-sh/custodian/vcs"
)

// Server is the runner's HTTP surface: the assignment protocol spoken
// by workers, log and artifact ingestion, and read-only status
// endpoints.
type Server struct {
	Processor *Processor
	Store     *state.Store
	Config    config.Getter

	VCSManager vcs.Manager
	Opener     *vcs.Opener
	Hosters    []hoster.Hoster

	Logs       logs.Manager
	LogsBackup logs.Manager

	Artifacts       *artifacts.Manager
	ArtifactsBackup *artifacts.Manager

	// UseCachedOnly hands workers the VCS store's cached branch
	// instead of the upstream URL; items without a cached branch are
	// not assignable upstream.
	UseCachedOnly bool

	Log *logrus.Entry
}

// Routes registers every endpoint on a new router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/assign", s.handleAssign).Methods(http.MethodPost)
	r.HandleFunc("/active-runs/{id}/keepalive", s.handleKeepalive).Methods(http.MethodPost)
	r.HandleFunc("/active-runs/{id}/log/{name}", s.handleLogChunk).Methods(http.MethodPost)
	r.HandleFunc("/active-runs/{id}/finish", s.handleFinish).Methods(http.MethodPost)
	r.Handle("/log/{id}", gziphandler.GzipHandler(http.HandlerFunc(s.handleLogIndex))).Methods(http.MethodGet)
	r.Handle("/log/{id}/{name}", gziphandler.GzipHandler(http.HandlerFunc(s.handleLogFile))).Methods(http.MethodGet)
	r.HandleFunc("/kill/{id}", s.handleKill).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", handleOK).Methods(http.MethodGet)
	r.HandleFunc("/ready", handleOK).Methods(http.MethodGet)
	r.Handle("/ws/queue", pubsub.ServeWS(s.Processor.TopicQueue, s.Log)).Methods(http.MethodGet)
	r.Handle("/ws/result", pubsub.ServeWS(s.Processor.TopicResult, s.Log)).Methods(http.MethodGet)
	return r
}

func handleOK(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "OK")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// assignRequest is the body a worker posts to /assign.
type assignRequest struct {
	Worker     string `json:"worker"`
	WorkerLink string `json:"worker_link,omitempty"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": fmt.Sprintf("invalid request: %s", err)})
		return
	}
	assignmentCount.WithLabelValues(req.Worker).Inc()
	log := s.Log.WithField("worker", req.Worker)

	for {
		active, err := s.nextActiveRun(req.Worker, req.WorkerLink)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": err.Error()})
			return
		}
		if active == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"reason": "queue empty"})
			return
		}
		item := active.Item
		runLog := log.WithFields(logrus.Fields{
			"run_id":  active.LogID,
			"package": item.Package,
			"suite":   item.Suite,
		})

		cfg := s.Config()
		suite := cfg.Suite(item.Suite)
		if suite == nil {
			runLog.Error("Queue item references unknown suite.")
			if err := s.Processor.AbortRun(active, "unknown-suite", fmt.Sprintf("no configuration for suite %s", item.Suite)); err != nil {
				runLog.WithError(err).Error("Failed to abort run.")
			}
			continue
		}

		if err := s.Opener.Open(r.Context(), item.BranchURL); err != nil {
			var boe *vcs.BranchOpenError
			if !errors.As(err, &boe) {
				boe = &vcs.BranchOpenError{Code: vcs.CodeBranchUnavailable, Description: err.Error()}
			}
			if boe.Code == vcs.CodeTooManyRequests {
				host := hostOf(item.BranchURL)
				runLog.WithField("host", host).Warning("Host is rate limiting; backing off.")
				s.Processor.RateLimited(host, boe.RetryAfter)
				s.Processor.ReleaseRun(active)
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(boe.RetryAfter.Seconds())))
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"reason": boe.Description})
				return
			}
			runLog.WithField("code", boe.Code).Info("Branch is not openable.")
			if err := s.Processor.AbortRun(active, boe.Code, boe.Description); err != nil {
				runLog.WithError(err).Error("Failed to abort run.")
			}
			continue
		}

		assignment, err := s.buildAssignment(r, active, cfg, suite)
		if err != nil {
			runLog.WithError(err).Error("Failed to build assignment.")
			s.Processor.ReleaseRun(active)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": err.Error()})
			return
		}

		s.Processor.startWatchdog(active)
		runLog.Info("Assigned run.")
		writeJSON(w, http.StatusCreated, assignment)
		return
	}
}

// nextActiveRun picks the next eligible queue item and registers it,
// under the assignment mutex. Items without a known branch URL are
// finished as not-in-vcs on the spot. Returns nil when the queue has
// nothing assignable.
func (s *Server) nextActiveRun(worker, workerLink string) (*ActiveRun, error) {
	s.Processor.assignMu.Lock()
	defer s.Processor.assignMu.Unlock()
	for {
		item, err := s.Processor.NextQueueItem()
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, nil
		}
		active := NewActiveRun(item, worker, workerLink)
		s.Processor.RegisterRun(active)
		if item.BranchURL == "" {
			if err := s.Processor.AbortRun(active, "not-in-vcs", fmt.Sprintf("no VCS URL known for %s", item.Package)); err != nil {
				return nil, err
			}
			continue
		}
		return active, nil
	}
}

// buildAssignment assembles the 201 document for an admitted run.
func (s *Server) buildAssignment(r *http.Request, active *ActiveRun, cfg *config.Config, suite *config.Suite) (map[string]interface{}, error) {
	item := active.Item
	ctx := r.Context()

	b := builder.ForSuite(cfg, suite)
	buildEnv, err := b.BuildEnv(s.Store, suite, item)
	if err != nil {
		return nil, fmt.Errorf("synthesizing build environment: %w", err)
	}

	env := committerEnv(cfg.Committer)
	env["PACKAGE"] = item.Package
	if pkg, err := s.Store.GetPackage(item.Package); err == nil {
		if pkg.MaintainerEmail != "" {
			env["MAINTAINER_EMAIL"] = pkg.MaintainerEmail
		}
		if len(pkg.UploaderEmails) > 0 {
			env["UPLOADER_EMAILS"] = strings.Join(pkg.UploaderEmails, ",")
		}
	}
	argv, cmdEnv := splitCommandEnv(item.Command)
	for k, v := range cmdEnv {
		env[k] = v
	}

	resume := s.findResume(ctx, active, suite)

	cachedURL := ""
	vendor := cfg.Distribution.Vendor
	if vendor == "" {
		vendor = "debian"
	}
	if url, ok := s.VCSManager.GetCachedBranch(ctx, item.Package, vendor+"/latest", item.VCSType); ok {
		cachedURL = url
	}

	branchURL := item.BranchURL
	if s.UseCachedOnly {
		if cachedURL == "" {
			return nil, fmt.Errorf("no cached branch for %s and only cached branches are allowed", item.Package)
		}
		branchURL = cachedURL
	}

	return map[string]interface{}{
		"id":          active.LogID,
		"description": fmt.Sprintf("%s on %s", item.Suite, item.Package),
		"queue_id":    item.ID,
		"branch": map[string]interface{}{
			"url":        branchURL,
			"subpath":    item.Subpath,
			"vcs_type":   item.VCSType,
			"cached_url": cachedURL,
		},
		"resume": resume,
		"build": map[string]interface{}{
			"target":      b.Kind(),
			"environment": buildEnv,
		},
		"env":         env,
		"command":     strings.Join(argv, " "),
		"suite":       item.Suite,
		"force-build": suite.ForceBuild,
		"vcs_manager": s.VCSManager.BaseURL(item.VCSType),
	}, nil
}

// findResume locates a branch the worker can continue from: an
// existing proposed branch on the package's hoster first, the VCS
// store's cached result branch second. A resume is only offered when
// the branch head is backed by a success run that was not rejected in
// review. Forced refreshes never resume from the cache.
func (s *Server) findResume(ctx context.Context, active *ActiveRun, suite *config.Suite) map[string]interface{} {
	item := active.Item
	log := s.Log.WithFields(logrus.Fields{"package": item.Package, "suite": item.Suite})

	// Candidate order is the contract: the bare branch name, then its
	// main variant, then the per-package variant. First hit wins.
	candidates := []string{
		suite.BranchName,
		suite.BranchName + "/main",
		suite.BranchName + "/main/" + item.Package,
	}
	pb, err := hoster.FindExistingProposedBranch(ctx, s.Hosters, item.BranchURL, candidates)
	if err != nil {
		log.WithError(err).Warning("Failed to look up proposed branches; not resuming.")
		pb = nil
	}

	var resumeURL string
	var run *state.Run
	if pb != nil {
		resumeURL = pb.URL
		if pb.Revision != "" {
			r, err := s.Store.GetSuccessRunByRevision(item.Package, item.Suite, pb.Revision)
			if err != nil {
				log.WithField("revision", pb.Revision).Info("Proposed branch head has no success run; not resuming.")
				return nil
			}
			run = r
		}
	} else if !item.Refresh {
		url, ok := s.VCSManager.GetCachedBranch(ctx, item.Package, suite.Name+"/main", item.VCSType)
		if !ok {
			return nil
		}
		resumeURL = url
	}
	if resumeURL == "" {
		return nil
	}
	if run == nil {
		// No head revision to pin on; fall back to the latest run for
		// the pair, which must itself be a clean success.
		r, err := s.Store.GetLastRun(item.Package, item.Suite)
		if err != nil || r.ResultCode != state.ResultCodeSuccess {
			return nil
		}
		run = r
	}
	if run.ReviewStatus == state.ReviewRejected {
		log.WithField("resume_run", run.ID).Info("Resume run was rejected in review; discarding.")
		return nil
	}

	var branches [][]string
	for _, b := range run.ResultBranches {
		branches = append(branches, []string{b.Role, b.Name, b.BaseRevision, b.Revision})
	}
	return map[string]interface{}{
		"result":     json.RawMessage(run.SubworkerResult),
		"branch_url": resumeURL,
		"branches":   branches,
	}
}

func committerEnv(committer string) map[string]string {
	env := map[string]string{}
	if committer == "" {
		return env
	}
	env["COMMITTER"] = committer
	addr, err := mail.ParseAddress(committer)
	if err != nil {
		return env
	}
	env["DEBFULLNAME"] = addr.Name
	env["DEBEMAIL"] = addr.Address
	env["EMAIL"] = addr.Address
	env["GIT_COMMITTER_NAME"] = addr.Name
	env["GIT_COMMITTER_EMAIL"] = addr.Address
	env["GIT_AUTHOR_NAME"] = addr.Name
	env["GIT_AUTHOR_EMAIL"] = addr.Address
	return env
}

// splitCommandEnv peels K=V prefixes off a command line, returning the
// remaining argv and the extracted variables.
func splitCommandEnv(command string) ([]string, map[string]string) {
	fields := strings.Fields(command)
	env := map[string]string{}
	i := 0
	for ; i < len(fields); i++ {
		eq := strings.Index(fields[i], "=")
		if eq <= 0 {
			break
		}
		env[fields[i][:eq]] = fields[i][eq+1:]
	}
	return fields[i:], env
}

func hostOf(branchURL string) string {
	if u, err := url.Parse(branchURL); err == nil {
		return u.Hostname()
	}
	return branchURL
}

func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	active, ok := s.Processor.Active.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": fmt.Sprintf("no active run %s", id)})
		return
	}
	active.Keepalive()
	writeJSON(w, http.StatusOK, map[string]bool{"kill": active.KillRequested()})
}

func (s *Server) handleLogChunk(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	active, ok := s.Processor.Active.Get(vars["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": fmt.Sprintf("no active run %s", vars["id"])})
		return
	}
	chunk, err := ioutil.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	if first := active.AppendLog(vars["name"], chunk); first {
		s.Processor.TopicQueue.Publish(s.Processor.StatusJSON())
	}
	w.WriteHeader(http.StatusOK)
}

var logFilenameRe = regexp.MustCompile(`\.log(\.\d+)?$`)

// isLogFilename separates a finish upload's log parts from its build
// artifacts.
func isLogFilename(name string) bool {
	return logFilenameRe.MatchString(name)
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	log := s.Log.WithField("run_id", id)

	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": fmt.Sprintf("expected multipart body: %s", err)})
		return
	}
	var wr *WorkerResult
	parts := map[string][]byte{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
			return
		}
		name := part.FileName()
		if name == "" {
			name = part.FormName()
		}
		data, err := ioutil.ReadAll(part)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
			return
		}
		if name == "result.json" {
			wr = &WorkerResult{}
			if err := json.Unmarshal(data, wr); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"reason": fmt.Sprintf("invalid result.json: %s", err)})
				return
			}
			continue
		}
		parts[name] = data
	}
	if wr == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "missing result.json part"})
		return
	}

	active, ok := s.Processor.Active.Get(id)
	if !ok {
		// The watchdog may have reaped the run already. If its queue
		// item survived, recover and finish normally; if the run row is
		// already stored, report it as a duplicate.
		item, err := s.Store.GetQueueItem(wr.QueueID)
		if err != nil {
			if stored, serr := s.Store.GetRun(id); serr == nil {
				writeJSON(w, http.StatusOK, stored)
				return
			}
			writeJSON(w, http.StatusNotFound, map[string]string{"reason": fmt.Sprintf("no active run %s", id)})
			return
		}
		log.Warning("Active run was reaped; recovering from queue item.")
		active = &ActiveRun{
			LogID:         id,
			Item:          item,
			WorkerName:    wr.WorkerName,
			StartTime:     wr.StartTime,
			MainBranchURL: item.BranchURL,
			VCSType:       item.VCSType,
		}
		s.Processor.RegisterRun(active)
	}
	item := active.Item

	for name, data := range parts {
		if isLogFilename(name) {
			active.AppendLog(name, data)
			continue
		}
		backedUp, err := artifacts.StoreWithBackup(r.Context(), s.Artifacts, s.ArtifactsBackup, item.Package, id, name, data)
		if err != nil {
			log.WithError(err).WithField("artifact", name).Error("Failed to store artifact.")
			if aerr := s.Processor.AbortRun(active, "artifact-upload-failed", fmt.Sprintf("storing %s: %s", name, err)); aerr != nil {
				log.WithError(aerr).Error("Failed to abort run.")
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"code":   "artifact-upload-failed",
				"reason": err.Error(),
			})
			return
		}
		if backedUp {
			log.WithField("artifact", name).Warning("Artifact store unavailable; artifact diverted to backup.")
		}
	}

	logfilenames := active.ListLogFiles()
	for _, name := range logfilenames {
		data, _ := active.GetLogFile(name)
		backedUp, err := logs.ImportWithBackup(r.Context(), s.Logs, s.LogsBackup, item.Package, id, name, data)
		if err != nil {
			log.WithError(err).WithField("log", name).Error("Failed to import log.")
			continue
		}
		if backedUp {
			log.WithField("log", name).Warning("Log store unavailable; log diverted to backup.")
		}
	}

	run, err := runFromWorkerResult(active, item, wr, logfilenames)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	buildResult, err := wr.BuildResult()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	var build *state.DebianBuild
	if buildResult != nil {
		build = buildResult.Debian
	}

	stored, err := s.Processor.FinishRun(item, run, build, wr.FollowupActions)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": err.Error()})
		return
	}
	if !stored {
		if existing, err := s.Store.GetRun(id); err == nil {
			writeJSON(w, http.StatusOK, existing)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleLogIndex(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if active, ok := s.Processor.Active.Get(id); ok {
		writeJSON(w, http.StatusOK, active.ListLogFiles())
		return
	}
	run, err := s.Store.GetRun(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": fmt.Sprintf("no run %s", id)})
		return
	}
	writeJSON(w, http.StatusOK, run.Logfilenames)
}

func (s *Server) handleLogFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, name := vars["id"], vars["name"]
	if active, ok := s.Processor.Active.Get(id); ok {
		data, ok := active.GetLogFile(name)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(data)
		return
	}
	run, err := s.Store.GetRun(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	rc, err := s.Logs.Get(r.Context(), run.Package, id, name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.Copy(w, rc)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	active, ok := s.Processor.Active.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": fmt.Sprintf("no active run %s", id)})
		return
	}
	active.Kill()
	writeJSON(w, http.StatusOK, active.StatusJSON())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Processor.StatusJSON())
}
