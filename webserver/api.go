package webserver

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"sipcallgo/global"
	"sipcallgo/sip"
	"sipcallgo/system"
)

// Server is the HTTP control surface plus the websocket the stack's
// call and registration events are pushed over.
type Server struct {
	stack *sip.Stack

	wsmu   sync.Mutex
	wsconn *websocket.Conn
}

func StartWS(stack *sip.Stack, ipv4 string, htp int) (*Server, error) {
	global.HttpTcpPort = htp
	if global.ClientIPv4 == nil {
		global.ClientIPv4 = net.ParseIP(ipv4)
	}
	if err := system.TestListeningTCP(global.ClientIPv4, htp); err != nil {
		return nil, err
	}

	srvr := &Server{stack: stack}
	global.SetEventSink(srvr.pushEvent)

	r := http.NewServeMux()
	ws := fmt.Sprintf("%s:%d", global.ClientIPv4.String(), htp)
	srv := &http.Server{Addr: ws, Handler: r, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second, IdleTimeout: 15 * time.Second}

	r.HandleFunc("/api/v1/sessions", srvr.serveSessions)
	r.HandleFunc("/api/v1/stats", srvr.serveStats)
	r.HandleFunc("/", srvr.webHandler)

	global.WtGrp.Add(1)
	atomic.AddInt32(&global.WtGrpC, 1)
	go func() {
		defer global.WtGrp.Done()
		defer atomic.AddInt32(&global.WtGrpC, -1)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			system.LogError(system.LTWebserver, err.Error())
		}
	}()

	system.LogInfo(system.LTWebserver, "API webserver on http://"+ws)
	return srvr, nil
}

func (srvr *Server) webHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		switch r.URL.Path {
		case "/":
			srvr.serveHome(w)
			return
		case "/ws":
			srvr.handleWSConnection(w, r)
			return
		}
	case http.MethodPut:
		switch r.URL.Path {
		case "/register":
			srvr.stack.Register(global.DefaultExpiresSec)
			w.WriteHeader(http.StatusOK)
			return
		case "/unregister":
			srvr.stack.Deregister()
			w.WriteHeader(http.StatusOK)
			return
		case "/call":
			target := r.URL.Query().Get("uri")
			if _, err := srvr.stack.Call(target); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		case "/hangup":
			callID := r.URL.Query().Get("callId")
			ss, ok := srvr.stack.Session(callID)
			if !ok {
				http.Error(w, "unknown call", http.StatusNotFound)
				return
			}
			ss.Hangup()
			w.WriteHeader(http.StatusOK)
			return
		case "/cancel":
			callID := r.URL.Query().Get("callId")
			ss, ok := srvr.stack.Session(callID)
			if !ok {
				http.Error(w, "unknown call", http.StatusNotFound)
				return
			}
			ss.Cancel()
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	http.Error(w, "Not Found Resource", http.StatusNotFound)
}

func (srvr *Server) serveHome(w http.ResponseWriter) {
	_, _ = w.Write(fmt.Appendf(nil, "<h1>%s API Webserver</h1>", global.AgentName))
}

func (srvr *Server) serveSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var lst []string
	for _, ses := range srvr.stack.Sessions() {
		lst = append(lst, ses.String())
	}

	data := struct {
		Registration string
		Sessions     []string
	}{
		Registration: srvr.stack.Registration().State().String(),
		Sessions:     lst,
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		system.LogError(system.LTWebserver, err.Error())
	}
}

func (srvr *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	BToMB := func(b uint64) uint64 {
		return b / 1000 / 1000
	}

	data := struct {
		CPUCount        int
		GoRoutinesCount int
		Alloc           uint64
		System          uint64
		GCCycles        uint32
		WaitGroupLength int32
	}{CPUCount: runtime.NumCPU(),
		GoRoutinesCount: runtime.NumGoroutine(),
		Alloc:           BToMB(m.Alloc),
		System:          BToMB(m.Sys),
		GCCycles:        m.NumGC,
		WaitGroupLength: atomic.LoadInt32(&global.WtGrpC),
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		system.LogError(system.LTWebserver, err.Error())
	}
}

func (srvr *Server) handleWSConnection(w http.ResponseWriter, r *http.Request) {
	var upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		system.LogError(system.LTWebserver, err.Error())
		return
	}

	srvr.wsmu.Lock()
	if srvr.wsconn != nil {
		srvr.wsconn.Close()
	}
	srvr.wsconn = ws
	srvr.wsmu.Unlock()

	global.WtGrp.Add(1)
	go srvr.listenToWS(ws)
}

func (srvr *Server) listenToWS(ws *websocket.Conn) {
	defer global.WtGrp.Done()
	defer ws.Close()
	for {
		var msg map[string]any
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		system.LogInfo(system.LTWebserver, fmt.Sprintf("WS received: %v", msg))
	}
}

func (srvr *Server) pushEvent(ev global.Event) {
	srvr.wsmu.Lock()
	defer srvr.wsmu.Unlock()
	if srvr.wsconn != nil {
		srvr.wsconn.WriteJSON(ev)
	}
}
