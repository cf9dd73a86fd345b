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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/custodian-sh/custodian/config"
	"github.com/custodian-sh/custodian/pubsub"
	"github.com/custodian-sh/custodian/state"
)

// Web is the publisher's HTTP surface: manual publish triggers, rate
// limiter introspection and the publish/proposal event streams.
type Web struct {
	Publisher *Publisher
	Store     *state.Store
	Config    config.Getter
	Limiter   RateLimiter
	Log       *logrus.Entry
}

// Routes registers every endpoint on a new router.
func (w *Web) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/publish/{package}/{suite}", w.handlePublish).Methods(http.MethodPost)
	r.HandleFunc("/rate-limits", w.handleRateLimits).Methods(http.MethodGet)
	r.HandleFunc("/health", handleOK).Methods(http.MethodGet)
	r.HandleFunc("/ready", handleOK).Methods(http.MethodGet)
	r.Handle("/ws/publish", pubsub.ServeWS(w.Publisher.TopicPublish, w.Log)).Methods(http.MethodGet)
	r.Handle("/ws/merge-proposal", pubsub.ServeWS(w.Publisher.TopicMergeProposal, w.Log)).Methods(http.MethodGet)
	return r
}

func handleOK(rw http.ResponseWriter, r *http.Request) {
	fmt.Fprint(rw, "OK")
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

// publishRequest is the optional body on a manual publish trigger.
type publishRequest struct {
	// Mode overrides the policy-resolved mode.
	Mode      string `json:"mode,omitempty"`
	Requestor string `json:"requestor,omitempty"`
}

func (w *Web) handlePublish(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pkgName, suiteName := vars["package"], vars["suite"]

	var req publishRequest
	if r.Body != nil {
		// An empty body means no overrides.
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Requestor == "" {
		req.Requestor = "web"
	}

	run, err := w.Store.GetLastUnabsorbedRun(pkgName, suiteName)
	if errors.Is(err, state.ErrNotFound) {
		writeJSON(rw, http.StatusNotFound, map[string]string{"reason": fmt.Sprintf("no unabsorbed run for %s/%s", pkgName, suiteName)})
		return
	}
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"reason": err.Error()})
		return
	}
	if run.ResultCode != state.ResultCodeSuccess {
		writeJSON(rw, http.StatusConflict, map[string]string{"reason": fmt.Sprintf("last run %s failed: %s", run.ID, run.ResultCode)})
		return
	}
	pkg, err := w.Store.GetPackage(pkgName)
	if err != nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{"reason": fmt.Sprintf("unknown package %s", pkgName)})
		return
	}

	branchName, mode := w.Publisher.ResolvePolicy(run, pkg)
	if req.Mode != "" {
		mode = config.PublishMode(req.Mode)
	}
	row, err := w.Publisher.PublishOneRun(r.Context(), &state.PublishCandidate{
		Run:        run,
		Package:    pkg,
		BranchName: branchName,
		Mode:       mode,
	}, req.Requestor)
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"reason": err.Error()})
		return
	}
	if row == nil {
		writeJSON(rw, http.StatusOK, map[string]string{
			"package": pkgName,
			"suite":   suiteName,
			"mode":    string(mode),
			"result":  "nothing-to-do",
		})
		return
	}
	writeJSON(rw, http.StatusAccepted, row)
}

func (w *Web) handleRateLimits(rw http.ResponseWriter, r *http.Request) {
	doc := map[string]interface{}{}
	if sp, ok := w.Limiter.(StatsProvider); ok {
		doc["per_maintainer"] = sp.Stats()
	}
	writeJSON(rw, http.StatusOK, doc)
}
