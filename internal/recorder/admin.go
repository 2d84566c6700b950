package recorder

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/motion.bridge/internal/httputil"
)

const defaultRecentLimit = 50

// AttachAdminRoutes mounts the recorder's debug routes: live SQL, recent
// command outcomes and a database backup.
func (r *Recorder) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		logf("failed to create tailsql server: %v", err)
	} else {
		tsql.SetDB("sqlite://"+filepath.Base(r.path), r.db, &tailsql.DBOptions{
			Label: "Motion bridge events",
		})
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}

	debug.HandleFunc("async-log", "Recent supervisory command outcomes (JSON, ?limit=N)", func(w http.ResponseWriter, req *http.Request) {
		limit, err := httputil.QueryLimit(req, defaultRecentLimit)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		records, err := r.RecentAsync(req.Context(), limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to query: %v", err))
			return
		}
		states, err := r.RecentProgramStates(req.Context(), limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to query: %v", err))
			return
		}
		httputil.WriteJSONOK(w, map[string]interface{}{
			"async_commands": records,
			"program_states": states,
			"dropped":        r.Dropped(),
		})
	})

	debug.HandleFunc("recorder-backup", "Download a gzipped snapshot of the event database", func(w http.ResponseWriter, req *http.Request) {
		dir, err := os.MkdirTemp("", "motion-bridge-backup")
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer os.RemoveAll(dir)

		name := fmt.Sprintf("backup-%d.db", r.clock.Now().Unix())
		backupPath := filepath.Join(dir, name)
		if _, err := r.db.ExecContext(req.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		f, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
		w.Header().Set("Content-Type", "application/gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, f); err != nil {
			logf("backup copy failed: %v", err)
		}
	})
}
