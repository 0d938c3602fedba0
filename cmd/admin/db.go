package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// dbCmd queries the server's sqlite index offline.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	world := fs.String("world", "", "world filter (optional)")
	actor := fs.String("actor", "", "actor filter (audits)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "blockworld.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}

	switch q {
	case "snapshots":
		query := `SELECT world,seq,path,blocks,created_at FROM snapshots`
		var qargs []any
		if *world != "" {
			query += ` WHERE world=?`
			qargs = append(qargs, *world)
		}
		query += ` ORDER BY created_at DESC, seq DESC LIMIT ?`
		qargs = append(qargs, *limit)
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				World     string `json:"world"`
				Seq       int64  `json:"seq"`
				Path      string `json:"path"`
				Blocks    int    `json:"blocks"`
				CreatedAt string `json:"created_at"`
			}
			if err := rows.Scan(&r.World, &r.Seq, &r.Path, &r.Blocks, &r.CreatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "audits":
		query := `SELECT world,seq,ts_ms,actor,action,x,y,block,from_block FROM audits WHERE 1=1`
		var qargs []any
		if *world != "" {
			query += ` AND world=?`
			qargs = append(qargs, *world)
		}
		if *actor != "" {
			query += ` AND actor=?`
			qargs = append(qargs, *actor)
		}
		query += ` ORDER BY ts_ms DESC, seq DESC LIMIT ?`
		qargs = append(qargs, *limit)
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				World  string `json:"world"`
				Seq    int64  `json:"seq"`
				TimeMS int64  `json:"ts_ms"`
				Actor  string `json:"actor"`
				Action string `json:"action"`
				X      int    `json:"x"`
				Y      int    `json:"y"`
				Block  string `json:"block,omitempty"`
				From   string `json:"from,omitempty"`
			}
			if err := rows.Scan(&r.World, &r.Seq, &r.TimeMS, &r.Actor, &r.Action, &r.X, &r.Y, &r.Block, &r.From); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-world W] [-actor A] [-limit N] snapshots|audits")
		os.Exit(2)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
