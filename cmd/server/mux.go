package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"strconv"
	"strings"
	"time"
)

func buildMux(rt *serverRuntime, enableAdminHTTP, enablePprofHTTP bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, rt)
	})

	if enableAdminHTTP {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := map[string]any{
				"worlds":      rt.store.Stats(),
				"connections": rt.reg.Count(),
				"engine":      rt.eng.Metrics(),
				"transport":   rt.hub.Stats(),
			}
			if rt.idx != nil {
				resp["index"] = rt.idx.Stats()
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			now := time.Now()
			var (
				results []snapshotResult
				err     error
			)
			if name := strings.TrimSpace(r.URL.Query().Get("world")); name != "" {
				var res snapshotResult
				res, err = rt.snapshotWorld(name, now)
				if err == nil {
					results = append(results, res)
				}
			} else {
				results, err = rt.snapshotAll(now)
			}
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "snapshots": results, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "snapshots": results})
		})
		mux.HandleFunc("/admin/v1/history", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			if rt.idx == nil {
				http.Error(rw, "index disabled", http.StatusServiceUnavailable)
				return
			}
			q := r.URL.Query()
			world := strings.TrimSpace(q.Get("world"))
			x, errX := strconv.Atoi(q.Get("x"))
			y, errY := strconv.Atoi(q.Get("y"))
			if world == "" || errX != nil || errY != nil {
				http.Error(rw, "world, x and y are required", http.StatusBadRequest)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			hist, err := rt.idx.BlockHistory(ctx, world, x, y)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			latest, ok, err := rt.idx.LatestSnapshot(ctx, world)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			resp := map[string]any{"world": world, "x": x, "y": y, "history": hist}
			if ok {
				resp["latest_snapshot"] = latest
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(resp)
		})
	} else {
		rt.log.Printf("admin endpoints disabled (BW_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", rt.hub.Handler())
	return mux
}

// writeMetrics emits the minimal Prometheus text exposition format.
func writeMetrics(rw http.ResponseWriter, rt *serverRuntime) {
	stats := rt.store.Stats()

	fmt.Fprintf(rw, "# HELP blockworld_world_players Players currently in the world.\n")
	fmt.Fprintf(rw, "# TYPE blockworld_world_players gauge\n")
	for _, s := range stats {
		fmt.Fprintf(rw, "blockworld_world_players{world=\"%s\"} %d\n", labelValue(s.Name), s.Players)
	}

	fmt.Fprintf(rw, "# HELP blockworld_world_blocks Non-air tiles in the world.\n")
	fmt.Fprintf(rw, "# TYPE blockworld_world_blocks gauge\n")
	for _, s := range stats {
		fmt.Fprintf(rw, "blockworld_world_blocks{world=\"%s\"} %d\n", labelValue(s.Name), s.Blocks)
	}

	m := rt.eng.Metrics()
	fmt.Fprintf(rw, "# HELP blockworld_intents_total Applied client intents.\n")
	fmt.Fprintf(rw, "# TYPE blockworld_intents_total counter\n")
	fmt.Fprintf(rw, "blockworld_intents_total{intent=\"join\"} %d\n", m.Joins)
	fmt.Fprintf(rw, "blockworld_intents_total{intent=\"leave\"} %d\n", m.Leaves)
	fmt.Fprintf(rw, "blockworld_intents_total{intent=\"move\"} %d\n", m.Moves)
	fmt.Fprintf(rw, "blockworld_intents_total{intent=\"placeBlock\"} %d\n", m.Places)
	fmt.Fprintf(rw, "blockworld_intents_total{intent=\"breakBlock\"} %d\n", m.Breaks)

	fmt.Fprintf(rw, "# HELP blockworld_rejected_total Rejected intents by error code.\n")
	fmt.Fprintf(rw, "# TYPE blockworld_rejected_total counter\n")
	codes := make([]string, 0, len(m.Rejected))
	for code := range m.Rejected {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Fprintf(rw, "blockworld_rejected_total{code=\"%s\"} %d\n", labelValue(code), m.Rejected[code])
	}

	t := rt.hub.Stats()
	fmt.Fprintf(rw, "# HELP blockworld_connections Open WebSocket connections.\n")
	fmt.Fprintf(rw, "# TYPE blockworld_connections gauge\n")
	fmt.Fprintf(rw, "blockworld_connections %d\n", t.Connections)
	fmt.Fprintf(rw, "# HELP blockworld_sessions_joined Connections bound to a world.\n")
	fmt.Fprintf(rw, "# TYPE blockworld_sessions_joined gauge\n")
	fmt.Fprintf(rw, "blockworld_sessions_joined %d\n", rt.reg.Count())
	fmt.Fprintf(rw, "# HELP blockworld_slow_consumer_drops_total Connections dropped for a full outbound queue.\n")
	fmt.Fprintf(rw, "# TYPE blockworld_slow_consumer_drops_total counter\n")
	fmt.Fprintf(rw, "blockworld_slow_consumer_drops_total %d\n", t.SlowDrops)
	fmt.Fprintf(rw, "# HELP blockworld_bad_frames_total Frames rejected before reaching the engine.\n")
	fmt.Fprintf(rw, "# TYPE blockworld_bad_frames_total counter\n")
	fmt.Fprintf(rw, "blockworld_bad_frames_total %d\n", t.BadFrames)

	if rt.auditLog != nil {
		fmt.Fprintf(rw, "# HELP blockworld_audit_dropped_total Audit entries dropped because the writer fell behind.\n")
		fmt.Fprintf(rw, "# TYPE blockworld_audit_dropped_total counter\n")
		fmt.Fprintf(rw, "blockworld_audit_dropped_total %d\n", rt.auditLog.Dropped())
		fmt.Fprintf(rw, "# HELP blockworld_audit_write_errors_total Audit entries that failed to reach disk.\n")
		fmt.Fprintf(rw, "# TYPE blockworld_audit_write_errors_total counter\n")
		fmt.Fprintf(rw, "blockworld_audit_write_errors_total %d\n", rt.auditLog.Failed())
	}

	if rt.idx == nil {
		return
	}
	s := rt.idx.Stats()
	fmt.Fprintf(rw, "# HELP blockworld_index_queue_depth Current index queue depth.\n")
	fmt.Fprintf(rw, "# TYPE blockworld_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "blockworld_index_queue_depth %d\n", s.QueueDepth)
	fmt.Fprintf(rw, "# HELP blockworld_index_dropped_total Index rows dropped under backpressure.\n")
	fmt.Fprintf(rw, "# TYPE blockworld_index_dropped_total counter\n")
	fmt.Fprintf(rw, "blockworld_index_dropped_total{kind=\"audit\"} %d\n", s.DropAuditTotal)
	fmt.Fprintf(rw, "blockworld_index_dropped_total{kind=\"snapshot\"} %d\n", s.DropSnapshotTotal)
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// labelValue escapes a Prometheus label value; only backslash, double quote
// and newline are escaped in the text format.
func labelValue(s string) string { return labelEscaper.Replace(s) }

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
