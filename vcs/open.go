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

package vcs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Branch-open failure codes. This is the only vocabulary the rest of
// the system speaks when describing branch problems.
const (
	CodeTooManyRequests        = "too-many-requests"
	CodeHostedOnAlioth         = "hosted-on-alioth"
	CodeUnauthorized           = "401-unauthorized"
	CodeBadGateway             = "502-bad-gateway"
	CodeBranchUnavailable      = "branch-unavailable"
	CodeBranchMissing          = "branch-missing"
	CodeUnsupportedVCSSvn      = "unsupported-vcs-svn"
	CodeUnsupportedVCSHg       = "unsupported-vcs-hg"
	CodeUnsupportedVCSDarcs    = "unsupported-vcs-darcs"
	CodeUnsupportedVCSFossil   = "unsupported-vcs-fossil"
	CodeUnsupportedVCSCvs      = "unsupported-vcs-cvs"
	CodeUnsupportedVCSProtocol = "unsupported-vcs-protocol"
)

// DefaultRetryAfter is assumed when a rate-limiting host does not say
// how long to back off.
const DefaultRetryAfter = 120 * time.Second

// BranchOpenError is a normalized branch-open failure.
type BranchOpenError struct {
	Code        string
	Description string
	// RetryAfter is only set for too-many-requests.
	RetryAfter time.Duration
}

func (e *BranchOpenError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// aliothHosts are the long-gone alioth.debian.org aliases; branches
// still pointing there will never open again.
var aliothHosts = map[string]bool{
	"svn.debian.org":     true,
	"bzr.debian.org":     true,
	"anonscm.debian.org": true,
	"hg.debian.org":      true,
	"git.debian.org":     true,
	"alioth.debian.org":  true,
}

// IsAliothURL reports whether the URL points at the retired alioth
// hosting site.
func IsAliothURL(rawurl string) bool {
	u, err := url.Parse(rawurl)
	if err != nil {
		return false
	}
	return aliothHosts[u.Hostname()]
}

// unsupportedSchemes maps URL schemes onto unsupported-vcs codes.
var unsupportedSchemes = map[string]string{
	"svn":         CodeUnsupportedVCSSvn,
	"svn+ssh":     CodeUnsupportedVCSSvn,
	"hg":          CodeUnsupportedVCSHg,
	"darcs":       CodeUnsupportedVCSDarcs,
	"fossil":      CodeUnsupportedVCSFossil,
	"cvs":         CodeUnsupportedVCSCvs,
	"cvs+pserver": CodeUnsupportedVCSCvs,
}

// Opener checks that a main branch is reachable before its queue item
// is handed to a worker, normalizing every failure into the taxonomy.
type Opener struct {
	client *http.Client
}

// NewOpener creates an opener with a bounded probe timeout.
func NewOpener() *Opener {
	return &Opener{client: &http.Client{Timeout: 60 * time.Second}}
}

// Open probes branchURL and returns nil when a worker can be expected
// to open it, or a *BranchOpenError otherwise.
func (o *Opener) Open(ctx context.Context, branchURL string) error {
	if err := ClassifyURL(branchURL); err != nil {
		return err
	}
	u, _ := url.Parse(branchURL)
	if u.Scheme != "http" && u.Scheme != "https" {
		// Workers open non-HTTP URLs (file:, ssh) themselves; nothing
		// to probe from here.
		return nil
	}
	probe := probeURL(branchURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe, nil)
	if err != nil {
		return &BranchOpenError{Code: CodeBranchUnavailable, Description: err.Error()}
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return &BranchOpenError{
			Code:        CodeBranchUnavailable,
			Description: fmt.Sprintf("%s (%s)", err, branchURL),
		}
	}
	defer resp.Body.Close()
	return ClassifyHTTPStatus(branchURL, resp.StatusCode, resp.Header.Get("Retry-After"))
}

// probeURL turns a branch URL into something cheap to GET. Git smart
// HTTP advertises refs; everything else is probed as-is.
func probeURL(branchURL string) string {
	base := branchURL
	if i := strings.Index(base, ",branch="); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, "/") + "/info/refs?service=git-upload-pack"
}

// ClassifyURL classifies failures knowable from the URL alone: dead
// hosting sites and version control systems the fleet does not speak.
func ClassifyURL(branchURL string) error {
	if branchURL == "" {
		return &BranchOpenError{Code: CodeBranchMissing, Description: "no branch URL"}
	}
	if IsAliothURL(branchURL) {
		return &BranchOpenError{
			Code:        CodeHostedOnAlioth,
			Description: fmt.Sprintf("%s is hosted on alioth", branchURL),
		}
	}
	u, err := url.Parse(branchURL)
	if err != nil {
		return &BranchOpenError{
			Code:        CodeUnsupportedVCSProtocol,
			Description: fmt.Sprintf("invalid URL %s: %s", branchURL, err),
		}
	}
	if code, ok := unsupportedSchemes[u.Scheme]; ok {
		return &BranchOpenError{
			Code:        code,
			Description: fmt.Sprintf("unsupported vcs for %s", branchURL),
		}
	}
	return nil
}

// ClassifyHTTPStatus maps an HTTP probe result onto the taxonomy.
// Returns nil for statuses that look like an openable branch.
func ClassifyHTTPStatus(branchURL string, status int, retryAfter string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &BranchOpenError{
			Code:        CodeTooManyRequests,
			Description: fmt.Sprintf("too many requests for %s", branchURL),
			RetryAfter:  ParseRetryAfter(retryAfter),
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &BranchOpenError{
			Code:        CodeUnauthorized,
			Description: fmt.Sprintf("HTTP status %d for %s", status, branchURL),
		}
	case status == http.StatusBadGateway:
		return &BranchOpenError{
			Code:        CodeBadGateway,
			Description: fmt.Sprintf("HTTP status 502 for %s", branchURL),
		}
	case status == http.StatusNotFound || status == http.StatusGone:
		return &BranchOpenError{
			Code:        CodeBranchMissing,
			Description: fmt.Sprintf("branch does not exist: %s", branchURL),
		}
	case status >= 400:
		return &BranchOpenError{
			Code:        CodeBranchUnavailable,
			Description: fmt.Sprintf("unexpected HTTP status %d for %s", status, branchURL),
		}
	}
	return nil
}

// ParseRetryAfter reads a Retry-After header value in seconds,
// falling back to the default backoff.
func ParseRetryAfter(value string) time.Duration {
	if value != "" {
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return DefaultRetryAfter
}
