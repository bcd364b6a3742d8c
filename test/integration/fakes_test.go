package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
)

// fakeOPNsense is a minimal in-memory OPNsense Unbound API.
type fakeOPNsense struct {
	mu     sync.Mutex
	store  map[string]hostOverride
	nextID int
	calls  []string
}

type hostOverride struct {
	Enabled     string `json:"enabled"`
	Hostname    string `json:"hostname"`
	Domain      string `json:"domain"`
	RR          string `json:"rr"`
	Server      string `json:"server"`
	Description string `json:"description"`
}

func newFakeOPNsense(seed ...hostOverride) *fakeOPNsense {
	f := &fakeOPNsense{store: map[string]hostOverride{}}
	for _, h := range seed {
		f.nextID++
		f.store[fmt.Sprintf("uuid-%d", f.nextID)] = h
	}
	return f
}

func override(host, domain, rr, server string) hostOverride {
	return hostOverride{Enabled: "1", Hostname: host, Domain: domain, RR: rr, Server: server}
}

func (f *fakeOPNsense) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)

	switch {
	case r.URL.Path == "/api/unbound/settings/searchHostOverride":
		type row struct {
			UUID string `json:"uuid"`
			hostOverride
		}
		rows := []row{}
		for id, h := range f.store {
			rows = append(rows, row{UUID: id, hostOverride: h})
		}
		writeJSON(w, map[string]any{"rows": rows, "total": len(rows)})
	case r.URL.Path == "/api/unbound/settings/addHostOverride":
		var payload struct {
			Host hostOverride `json:"host"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.nextID++
		id := fmt.Sprintf("uuid-%d", f.nextID)
		f.store[id] = payload.Host
		writeJSON(w, map[string]string{"result": "saved", "uuid": id})
	case strings.HasPrefix(r.URL.Path, "/api/unbound/settings/delHostOverride/"):
		id := strings.TrimPrefix(r.URL.Path, "/api/unbound/settings/delHostOverride/")
		if _, ok := f.store[id]; !ok {
			http.Error(w, `{"result":"not found"}`, http.StatusNotFound)
			return
		}
		delete(f.store, id)
		writeJSON(w, map[string]string{"result": "deleted"})
	case r.URL.Path == "/api/unbound/service/reconfigure":
		writeJSON(w, map[string]string{"status": "ok"})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeOPNsense) servers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, h := range f.store {
		out = append(out, h.Hostname+"."+h.Domain+"="+h.Server)
	}
	slices.Sort(out)
	return out
}

func (f *fakeOPNsense) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if !strings.HasSuffix(c, "searchHostOverride") {
			n++
		}
	}
	return n
}

// fakePihole keeps Pi-hole v6 local records in memory.
type fakePihole struct {
	mu       sync.Mutex
	password string
	sid      string
	hosts    []string
	cnames   []string
}

func (f *fakePihole) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body struct {
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Password != f.password {
			http.Error(w, `{"error":{"key":"unauthorized"}}`, http.StatusUnauthorized)
			return
		}
		f.sid = "sid"
		writeJSON(w, map[string]any{"session": map[string]any{"valid": true, "sid": f.sid}})
	})
	mux.HandleFunc("GET /api/config/dns", f.authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"config": map[string]any{"dns": map[string]any{
			"hosts": f.hosts, "cnameRecords": f.cnames,
		}}})
	}))
	mux.HandleFunc("PUT /api/config/dns/hosts/{entry}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		f.hosts = append(f.hosts, r.PathValue("entry"))
		w.WriteHeader(http.StatusCreated)
	}))
	mux.HandleFunc("PUT /api/config/dns/cnameRecords/{entry}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		f.cnames = append(f.cnames, r.PathValue("entry"))
		w.WriteHeader(http.StatusCreated)
	}))
	mux.HandleFunc("DELETE /api/config/dns/hosts/{entry}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		f.hosts = slices.DeleteFunc(f.hosts, func(h string) bool { return h == r.PathValue("entry") })
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("DELETE /api/config/dns/cnameRecords/{entry}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		f.cnames = slices.DeleteFunc(f.cnames, func(c string) bool { return c == r.PathValue("entry") })
		w.WriteHeader(http.StatusNoContent)
	}))
	return mux
}

func (f *fakePihole) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.sid == "" || r.Header.Get("X-FTL-SID") != f.sid {
			http.Error(w, `{"error":{"key":"unauthorized"}}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (f *fakePihole) records() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append(slices.Clone(f.hosts), f.cnames...)
	slices.Sort(out)
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
