package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"blockworld.io/internal/protocol"
)

var blockTypes = []string{"dirt", "grass", "stone", "wood", "sand"}

func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name    = flag.String("name", "bot", "username")
		world   = flag.String("world", "lobby", "world to join")
		every   = flag.Duration("every", 500*time.Millisecond, "delay between moves")
		placePc = flag.Int("place_pct", 20, "chance (percent) of placing a block after each move")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	join := protocol.JoinMsg{
		Type:            protocol.TypeJoin,
		ProtocolVersion: protocol.Version,
		Ref:             "join",
		Username:        *name,
		World:           *world,
	}
	if err := conn.WriteJSON(join); err != nil {
		logger.Fatalf("send join: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	// Only the walker goroutine writes after the join.
	joined := make(chan protocol.PlayerState, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Printf("read: %v", err)
				return
			}
			handleMessage(logger, msg, joined)
		}
	}()

	var (
		self protocol.PlayerState
		tick *time.Ticker
		tc   <-chan time.Time
		r    = rand.New(rand.NewSource(time.Now().UnixNano()))
		seq  int
	)
	for {
		select {
		case <-stop:
			_ = conn.WriteJSON(protocol.LeaveMsg{Type: protocol.TypeLeave, ProtocolVersion: protocol.Version})
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-done:
			return
		case self = <-joined:
			tick = time.NewTicker(*every)
			defer tick.Stop()
			tc = tick.C
		case <-tc:
			seq++
			self.X += float64(r.Intn(65) - 32)
			self.Y += float64(r.Intn(65) - 32)
			if err := conn.WriteJSON(protocol.MoveMsg{Type: protocol.TypeMove, X: self.X, Y: self.Y}); err != nil {
				logger.Printf("send move: %v", err)
				return
			}
			if r.Intn(100) < *placePc {
				place := protocol.PlaceBlockMsg{
					Type:      protocol.TypePlaceBlock,
					Ref:       fmt.Sprintf("place_%d", seq),
					X:         self.X,
					Y:         self.Y + 32,
					BlockType: blockTypes[r.Intn(len(blockTypes))],
				}
				if err := conn.WriteJSON(place); err != nil {
					logger.Printf("send placeBlock: %v", err)
					return
				}
			}
		}
	}
}

func handleMessage(logger *log.Logger, msg []byte, joined chan<- protocol.PlayerState) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeWorldSnapshot:
		var s protocol.WorldSnapshotMsg
		if err := json.Unmarshal(msg, &s); err != nil {
			return
		}
		logger.Printf("joined world=%s tile_size=%d blocks=%d players=%d", s.World, s.TileSize, len(s.Blocks), len(s.Players))
		select {
		case joined <- s.Self:
		default:
		}
	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(msg, &e); err != nil {
			return
		}
		logger.Printf("error code=%s ref=%s: %s", e.Code, e.Ref, e.Message)
	default:
		logger.Printf("%s %s", base.Type, msg)
	}
}
