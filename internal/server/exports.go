package server

import (
	"bytes"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"sitetrack/internal/domain"
	"sitetrack/internal/engine"
	"sitetrack/internal/export"
	"sitetrack/internal/repo"
)

// registerExports mounts the file downloads on the raw router; huma
// operations only describe JSON bodies.
func registerExports(r chi.Router, basePath string, e engine.Engine, logger *zap.Logger) {
	now := func() time.Time {
		if e.Now != nil {
			return e.Now()
		}
		return time.Now()
	}
	projects := func(req *http.Request) ([]domain.Project, error) {
		q := req.URL.Query()
		return e.ListProjects(req.Context(), repo.ProjectFilter{
			Query:  q.Get("q"),
			Status: q.Get("status"),
			SortBy: q.Get("sort"),
			Desc:   q.Get("desc") == "true",
		})
	}

	r.Get(path.Join(basePath, "export.csv"), func(w http.ResponseWriter, req *http.Request) {
		cs, err := export.ParseCharset(req.URL.Query().Get("charset"))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
			return
		}
		items, err := projects(req)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		var buf bytes.Buffer
		if err := export.WriteCSV(&buf, items, cs); err != nil {
			logger.Error("export csv", zap.Error(err))
			respondStatusError(w, handleError(err))
			return
		}
		contentType := "text/csv; charset=utf-8"
		if cs == export.ShiftJIS {
			contentType = "text/csv; charset=shift_jis"
		}
		sendFile(w, contentType, export.Filename("csv", now()), buf.Bytes())
	})

	r.Get(path.Join(basePath, "export.xlsx"), func(w http.ResponseWriter, req *http.Request) {
		items, err := projects(req)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		var buf bytes.Buffer
		if err := export.WriteXLSX(&buf, items); err != nil {
			logger.Error("export xlsx", zap.Error(err))
			respondStatusError(w, handleError(err))
			return
		}
		sendFile(w, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", export.Filename("xlsx", now()), buf.Bytes())
	})

	r.Get(path.Join(basePath, "export.json"), func(w http.ResponseWriter, req *http.Request) {
		b, err := e.Repo.ExportBundle(req.Context())
		if err != nil {
			respondStatusError(w, handleError(repoError("export bundle", err)))
			return
		}
		var buf bytes.Buffer
		if err := export.WriteJSON(&buf, b); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		sendFile(w, "application/json; charset=utf-8", export.Filename("json", now()), buf.Bytes())
	})
}

func sendFile(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	// ASCII fallback for clients that ignore filename*
	fallback := "sitetrack" + path.Ext(filename)
	w.Header().Set("Content-Disposition", `attachment; filename="`+fallback+`"; filename*=UTF-8''`+url.PathEscape(filename))
	w.Write(data)
}
