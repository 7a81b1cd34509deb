package main

import (
	"encoding/binary"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gogpu/emurender"
	"github.com/gogpu/emurender/display"
	"github.com/gogpu/emurender/resource"
)

const writeTimeout = 5 * time.Second

// frameServer pushes every frame posted to the default display to
// websocket subscribers as binary messages: u32 width, u32 height, then
// RGBA pixels. Slow subscribers miss frames rather than queue them.
type frameServer struct {
	r    *emurender.Renderer
	ln   net.Listener
	http *http.Server

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ws     *websocket.Conn
	frames chan []byte
}

func newFrameServer(r *emurender.Renderer, addr string, width, height int) (*frameServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	fs := &frameServer{
		r:  r,
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/frames", fs.handle)
	fs.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	if err := r.SetPostCallback(display.DefaultDisplay, width, height, resource.GLRGBA, fs.publish); err != nil {
		ln.Close()
		return nil, err
	}
	return fs, nil
}

func (fs *frameServer) addr() string { return fs.ln.Addr().String() }

func (fs *frameServer) serve() {
	if err := fs.http.Serve(fs.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		emurender.Logger().Warn("frame stream stopped", "err", err)
	}
}

func (fs *frameServer) close() {
	fs.r.RemovePostCallback(display.DefaultDisplay)
	fs.http.Close()
	fs.mu.Lock()
	for s := range fs.subs {
		s.ws.Close()
	}
	fs.mu.Unlock()
}

// publish runs on the readback worker.
func (fs *frameServer) publish(_ uint32, width, height int, pixels []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.subs) == 0 {
		return
	}
	msg := make([]byte, 8+len(pixels))
	binary.LittleEndian.PutUint32(msg[0:], uint32(width))
	binary.LittleEndian.PutUint32(msg[4:], uint32(height))
	copy(msg[8:], pixels)
	for s := range fs.subs {
		select {
		case s.frames <- msg:
		default:
		}
	}
}

func (fs *frameServer) handle(w http.ResponseWriter, req *http.Request) {
	ws, err := fs.upgrader.Upgrade(w, req, nil)
	if err != nil {
		emurender.Logger().Warn("frame stream upgrade failed", "remote", req.RemoteAddr, "err", err)
		return
	}
	s := &subscriber{ws: ws, frames: make(chan []byte, 1)}
	fs.mu.Lock()
	fs.subs[s] = struct{}{}
	fs.mu.Unlock()
	emurender.Logger().Info("frame subscriber connected", "remote", req.RemoteAddr)

	defer func() {
		fs.mu.Lock()
		delete(fs.subs, s)
		fs.mu.Unlock()
		ws.Close()
		emurender.Logger().Info("frame subscriber gone", "remote", req.RemoteAddr)
	}()

	// The read side only watches for the close frame.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if fs.r.Repost(display.DefaultDisplay) {
		emurender.Logger().Debug("reposted last frame for new subscriber")
	}
	for {
		select {
		case <-gone:
			return
		case msg := <-s.frames:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		}
	}
}
