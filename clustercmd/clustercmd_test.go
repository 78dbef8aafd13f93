// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package clustercmd_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/grailbio/base/status"
	"github.com/grailbio/clusterrun/clustercmd"
	"github.com/grailbio/clusterrun/exec"
	"github.com/grailbio/testutil"
)

func TestHandler(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	sess := exec.Start(exec.Profile(dir), exec.Status(new(status.Status)))
	defer sess.Shutdown()
	srv := httptest.NewServer(clustercmd.Handler(sess))
	defer srv.Close()

	for _, c := range []struct {
		path string
		code int
	}{
		{"/debug/status", http.StatusOK},
		{"/debug/stats", http.StatusOK},
		{"/debug/trace", http.StatusOK},
		{"/debug/pprof/", http.StatusOK},
		{"/debug/bigmachine/status", http.StatusNotFound},
		{"/nope", http.StatusNotFound},
	} {
		resp, err := http.Get(srv.URL + c.path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if got, want := resp.StatusCode, c.code; got != want {
			t.Errorf("%s: got %v, want %v", c.path, got, want)
		}
	}
}

func TestHandlerNoStatus(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	sess := exec.Start(exec.Profile(dir))
	defer sess.Shutdown()
	w := httptest.NewRecorder()
	clustercmd.Handler(sess).ServeHTTP(w, httptest.NewRequest("GET", "/debug/status", nil))
	if got, want := w.Code, http.StatusNotFound; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !strings.Contains(w.Body.String(), "no status") {
		t.Errorf("unexpected body %q", w.Body.String())
	}
}
