// Package adminhttp attaches the operator-facing debug surface for a
// running terrascan process: task listing/inspection, a live SSE tail of
// a task's bus, on-demand snapshot rendering, a progress chart, and (when
// a registry is wired) ad-hoc SQL browsing over the task index.
//
// Grounded on internal/serialmux/serialmux.go's AttachAdminRoutes (the
// tsweb.Debugger registration pattern and the SSE tail handler shape) and
// internal/db/db.go's AttachAdminRoutes (the tailsql.NewServer/SetDB
// mounting pattern), plus internal/lidar/monitor/echarts_handlers.go for
// the go-echarts bar-chart handler style.
package adminhttp

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/recursive-emergence/terrascan/internal/cache"
	"github.com/recursive-emergence/terrascan/internal/controller"
	"github.com/recursive-emergence/terrascan/internal/httputil"
)

// echartsAssetsPrefix pins the CDN host go-echarts loads its JS/CSS
// bundle from, matching the corpus's debug chart handlers.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// Registry is the subset of internal/registry.SQLRegistry tailsql needs.
type Registry interface {
	DB() *sql.DB
}

// Attach wires every debug route onto mux under tsweb's standard
// /debug/ prefix. reg may be nil — the tailsql route is only mounted
// when a registry is supplied.
func Attach(mux *http.ServeMux, svc *controller.Service, reg Registry) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("terrascan/tasks", "List every known scan task (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, svc.List())
	})

	debug.HandleSilentFunc("terrascan/tasks/", func(w http.ResponseWriter, r *http.Request) {
		taskID := strings.TrimPrefix(r.URL.Path, "/debug/terrascan/tasks/")
		if taskID == "" {
			httputil.BadRequest(w, "missing task id")
			return
		}
		task, err := svc.Status(taskID)
		if err != nil {
			writeTaskError(w, err)
			return
		}
		httputil.WriteJSONOK(w, task)
	})

	debug.HandleSilentFunc("terrascan/tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		taskID := r.URL.Query().Get("task")
		if taskID == "" {
			httputil.BadRequest(w, "missing task query parameter")
			return
		}
		b, err := svc.Bus(taskID)
		if err != nil {
			writeTaskError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		sub := b.Subscribe()
		defer b.Unsubscribe(sub)

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case event, ok := <-sub.C():
				if !ok {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("terrascan/snapshot", func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Query().Get("task")
		if taskID == "" {
			httputil.BadRequest(w, "missing task query parameter")
			return
		}
		level, err := strconv.Atoi(r.URL.Query().Get("level"))
		if err != nil {
			httputil.BadRequest(w, "missing or invalid level query parameter")
			return
		}
		png, err := svc.Snapshot(taskID, level)
		if err != nil {
			writeTaskError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	})

	debug.Handle("terrascan/progress", "Scheduled-vs-completed subtile chart across every task", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleProgressChart(w, r, svc)
	}))

	if reg != nil {
		tsql, err := tailsql.NewServer(tailsql.Options{
			RoutePrefix: "/debug/tailsql/",
		})
		if err != nil {
			log.Fatalf("adminhttp: failed to create tailsql server: %v", err)
		}
		tsql.SetDB("sqlite://terrascan.db", reg.DB(), &tailsql.DBOptions{
			Label: "Terrascan Task Registry",
		})
		debug.Handle("tailsql/", "SQL live debugging over the task registry", tsql.NewMux())
	}
}

func writeTaskError(w http.ResponseWriter, err error) {
	switch err {
	case controller.ErrTaskNotFound, controller.ErrBusGone:
		httputil.NotFound(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

// handleProgressChart renders a bar chart of scheduled vs. completed
// subtiles per task, styled after the corpus's handleTrafficChart.
func handleProgressChart(w http.ResponseWriter, r *http.Request, svc *controller.Service) {
	tasks := svc.List()

	labels := make([]string, 0, len(tasks))
	scheduled := make([]opts.BarData, 0, len(tasks))
	completed := make([]opts.BarData, 0, len(tasks))
	failed := make([]opts.BarData, 0, len(tasks))
	for _, task := range tasks {
		labels = append(labels, shortTaskLabel(task))
		scheduled = append(scheduled, opts.BarData{Value: task.Counters.Scheduled})
		completed = append(completed, opts.BarData{Value: task.Counters.Completed})
		failed = append(failed, opts.BarData{Value: task.Counters.Failed})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Terrascan Task Progress", Subtitle: time.Now().UTC().Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels).
		AddSeries("scheduled", scheduled).
		AddSeries("completed", completed).
		AddSeries("failed", failed)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := bar.Render(w); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
	}
}

func shortTaskLabel(task cache.Task) string {
	id := task.TaskID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s (%s)", id, task.Status)
}
