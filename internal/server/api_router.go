package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cbeuw/Shunt/internal/service"
	gmux "github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// APIRouter serves the admin API: sessions, usage and metrics
type APIRouter struct {
	*gmux.Router
	sta *State
}

type sessionJSON struct {
	ID         service.SessionID
	RemoteAddr string
	Streams    int
	Rx         int64
	Tx         int64
}

func sessionJSONOf(info service.SessionInfo) sessionJSON {
	ret := sessionJSON{
		ID:      info.ID,
		Streams: info.Streams,
		Rx:      info.Rx,
		Tx:      info.Tx,
	}
	if info.RemoteAddr != nil {
		ret.RemoteAddr = info.RemoteAddr.String()
	}
	return ret
}

func APIRouterOf(sta *State) *APIRouter {
	ret := &APIRouter{
		sta: sta,
	}
	ret.registerMux()
	return ret
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (ar *APIRouter) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.HandleFunc("/admin/sessions", ar.listSessionsHlr).Methods("GET")
	ar.HandleFunc("/admin/sessions/{ID:[0-9]+}", ar.getSessionHlr).Methods("GET")
	ar.HandleFunc("/admin/sessions/{ID:[0-9]+}", ar.closeSessionHlr).Methods("DELETE")
	ar.HandleFunc("/admin/sessions/{ID:[0-9]+}/evict", ar.evictStreamHlr).Methods("POST")
	ar.HandleFunc("/admin/usage", ar.listUsageHlr).Methods("GET")
	ar.HandleFunc("/admin/usage/{host}", ar.getUsageHlr).Methods("GET")
	ar.HandleFunc("/admin/usage/{host}", ar.deleteUsageHlr).Methods("DELETE")
	ar.Handle("/metrics", ar.sta.Metrics.Handler()).Methods("GET")
	ar.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	})
	ar.Use(corsMiddleware)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	resp, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func sessionIDOf(r *http.Request) (service.SessionID, error) {
	id, err := strconv.ParseUint(gmux.Vars(r)["ID"], 10, 32)
	return service.SessionID(id), err
}

func (ar *APIRouter) listSessionsHlr(w http.ResponseWriter, r *http.Request) {
	infos := ar.sta.Registry.Sessions()
	sessions := make([]sessionJSON, len(infos))
	for i, info := range infos {
		sessions[i] = sessionJSONOf(info)
	}
	writeJSON(w, sessions)
}

func (ar *APIRouter) getSessionHlr(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDOf(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, info := range ar.sta.Registry.Sessions() {
		if info.ID == id {
			writeJSON(w, sessionJSONOf(info))
			return
		}
	}
	http.Error(w, service.ErrNoSession.Error(), http.StatusNotFound)
}

func (ar *APIRouter) closeSessionHlr(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDOf(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = ar.sta.Registry.Disconnect(id)
	if errors.Is(err, service.ErrNoSession) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	log.WithField("sessionID", id).Info("session closed through admin API")
	w.WriteHeader(http.StatusOK)
}

func (ar *APIRouter) evictStreamHlr(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDOf(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	control, err := ar.sta.Registry.Control(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err = control.CloseOldestStream(); err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (ar *APIRouter) listUsageHlr(w http.ResponseWriter, r *http.Request) {
	if ar.sta.Ledger == nil {
		writeJSON(w, []UsageInfo{})
		return
	}
	infos, err := ar.sta.Ledger.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, infos)
}

func (ar *APIRouter) getUsageHlr(w http.ResponseWriter, r *http.Request) {
	if ar.sta.Ledger == nil {
		http.Error(w, ErrHostNotFound.Error(), http.StatusNotFound)
		return
	}
	info, err := ar.sta.Ledger.Get(gmux.Vars(r)["host"])
	if err == ErrHostNotFound {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, info)
}

func (ar *APIRouter) deleteUsageHlr(w http.ResponseWriter, r *http.Request) {
	if ar.sta.Ledger == nil {
		http.Error(w, ErrHostNotFound.Error(), http.StatusNotFound)
		return
	}
	err := ar.sta.Ledger.Delete(gmux.Vars(r)["host"])
	if err == ErrHostNotFound {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ServeAdmin serves the admin API on AdminAddr until the State is closed
func ServeAdmin(sta *State) error {
	srv := &http.Server{Addr: sta.AdminAddr, Handler: APIRouterOf(sta)}
	if !sta.addServer(srv) {
		return nil
	}
	log.Infof("admin API listening on %v", sta.AdminAddr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
