/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dc0d/onexit"
	"github.com/gorilla/websocket"
	"github.com/launix-de/cellvm/localmem"
	"github.com/launix-de/cellvm/migrate"
)

// Monitor serves the VM over HTTP:
//
//	GET  /stats                  statistics as JSON
//	GET  /methods                the library
//	POST /call/{name}?arg=...    migrate a library method
//	POST /flush/{unit}/{region}  drop a cache region of a unit
//	GET  /console                websocket streaming console output
type Monitor struct {
	vm       *VM
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func NewMonitor(v *VM) *Monitor {
	m := &Monitor{vm: v, mux: http.NewServeMux()}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	m.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	m.mux.HandleFunc("GET /stats", m.stats)
	m.mux.HandleFunc("GET /methods", m.methods)
	m.mux.HandleFunc("POST /call/{name}", m.call)
	m.mux.HandleFunc("POST /flush/{unit}/{region}", m.flush)
	m.mux.HandleFunc("GET /console", m.console)
	return m
}

func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mux.ServeHTTP(w, r)
}

// Listen serves on addr until the process exits.
func (m *Monitor) Listen(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: m}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Println("monitor:", err)
		}
	}()
	onexit.Register(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorReply struct {
	Error     string `json:"error"`
	Exception string `json:"exception,omitempty"`
}

func (m *Monitor) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.vm.Stats())
}

type methodInfo struct {
	Name   string `json:"name"`
	Doc    string `json:"doc"`
	Words  uint32 `json:"words"`
	Floats uint32 `json:"floats"`
	Return string `json:"return"`
	Class  int32  `json:"class"`
}

func (m *Monitor) methods(w http.ResponseWriter, r *http.Request) {
	var list []methodInfo
	for _, e := range m.vm.Library.All() {
		list = append(list, methodInfo{e.Name, e.Doc, e.Words, e.Floats, e.Return.String(), e.Method.ClassOffset})
	}
	writeJSON(w, http.StatusOK, list)
}

type callReply struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Bits  uint64 `json:"bits"`
}

func (m *Monitor) call(w http.ResponseWriter, r *http.Request) {
	res, err := m.vm.Library.Call(r.Context(), r.PathValue("name"), r.URL.Query()["arg"]...)
	if err != nil {
		var te *migrate.TrapError
		if errors.As(err, &te) {
			writeJSON(w, http.StatusUnprocessableEntity, errorReply{err.Error(), te.Exception()})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorReply{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, callReply{res.Kind.String(), res.String(), res.Bits})
}

func (m *Monitor) flush(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("unit"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: err.Error()})
		return
	}
	u, ok := m.vm.Unit(uint32(id))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorReply{Error: fmt.Sprintf("no unit %d", id)})
		return
	}
	kind, err := localmem.ParseRegionKind(r.PathValue("region"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: err.Error()})
		return
	}
	u.Flush(kind)
	writeJSON(w, http.StatusOK, u.Snapshot().Regions[kind])
}

func (m *Monitor) console(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already answered
	}
	defer ws.Close()
	out, stop := m.vm.Console.Subscribe()
	defer stop()
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			// nothing to read from clients; this only notices the close
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case msg, ok := <-out:
			if !ok {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
