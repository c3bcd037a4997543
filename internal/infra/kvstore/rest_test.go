package kvstore

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/contentpulse/datacore/internal/core/retry"
)

// fakeRemote speaks the command-array REST protocol over in-memory maps.
type fakeRemote struct {
	mu       sync.Mutex
	strings  map[string]string
	counters map[string]int64
	lists    map[string][]string
	hashes   map[string]map[string]string
	ttls     map[string]string

	token    string
	commands [][]string
}

func newFakeRemote(token string) *fakeRemote {
	return &fakeRemote{
		strings:  make(map[string]string),
		counters: make(map[string]int64),
		lists:    make(map[string][]string),
		hashes:   make(map[string]map[string]string),
		ttls:     make(map[string]string),
		token:    token,
	}
}

func (f *fakeRemote) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if f.token != "" && r.Header.Get("Authorization") != "Bearer "+f.token {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
			return
		}

		var cmd []string
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || len(cmd) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "malformed command"})
			return
		}

		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		result := f.eval(cmd)
		f.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]any{"result": result})
	}
}

func (f *fakeRemote) eval(cmd []string) any {
	switch cmd[0] {
	case "PING":
		return "PONG"
	case "SET":
		f.strings[cmd[1]] = cmd[2]
		if len(cmd) >= 5 && cmd[3] == "EX" {
			f.ttls[cmd[1]] = cmd[4]
		}
		return "OK"
	case "GET":
		if v, ok := f.strings[cmd[1]]; ok {
			return v
		}
		return nil
	case "DEL":
		n := 0
		for _, k := range cmd[1:] {
			if _, ok := f.strings[k]; ok {
				delete(f.strings, k)
				n++
			}
			delete(f.counters, k)
			delete(f.lists, k)
			delete(f.hashes, k)
		}
		return n
	case "EXISTS":
		if _, ok := f.strings[cmd[1]]; ok {
			return 1
		}
		if _, ok := f.counters[cmd[1]]; ok {
			return 1
		}
		return 0
	case "INCR":
		f.counters[cmd[1]]++
		return f.counters[cmd[1]]
	case "EXPIRE":
		_, isString := f.strings[cmd[1]]
		_, isCounter := f.counters[cmd[1]]
		if !isString && !isCounter {
			return 0
		}
		f.ttls[cmd[1]] = cmd[2]
		return 1
	case "LPUSH":
		for _, v := range cmd[2:] {
			f.lists[cmd[1]] = append([]string{v}, f.lists[cmd[1]]...)
		}
		return len(f.lists[cmd[1]])
	case "RPOP":
		list := f.lists[cmd[1]]
		if len(list) == 0 {
			return nil
		}
		v := list[len(list)-1]
		f.lists[cmd[1]] = list[:len(list)-1]
		return v
	case "LRANGE":
		return f.lists[cmd[1]]
	case "LLEN":
		return len(f.lists[cmd[1]])
	case "HSET":
		if f.hashes[cmd[1]] == nil {
			f.hashes[cmd[1]] = make(map[string]string)
		}
		f.hashes[cmd[1]][cmd[2]] = cmd[3]
		return 1
	case "HGET":
		if v, ok := f.hashes[cmd[1]][cmd[2]]; ok {
			return v
		}
		return nil
	case "HGETALL":
		flat := []string{}
		for k, v := range f.hashes[cmd[1]] {
			flat = append(flat, k, v)
		}
		return flat
	case "HDEL":
		for _, field := range cmd[2:] {
			delete(f.hashes[cmd[1]], field)
		}
		return 1
	}
	return nil
}

func newTestStore(t *testing.T) (*RESTStore, *fakeRemote) {
	t.Helper()
	remote := newFakeRemote("secret-token")
	srv := httptest.NewServer(remote.handler())
	t.Cleanup(srv.Close)

	store, err := NewRESTStore(Config{Endpoint: srv.URL, Token: "secret-token"})
	if err != nil {
		t.Fatalf("NewRESTStore: %v", err)
	}
	return store, remote
}

func TestRESTSetGetJSONRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()

	type report struct {
		AccountID string   `json:"account_id"`
		Score     float64  `json:"score"`
		Labels    []string `json:"labels"`
	}
	in := report{AccountID: "acc-42", Score: 0.87, Labels: []string{"spam", "nsfw"}}

	if err := store.SetJSON(ctx, "report:acc-42", in, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	var out report
	found, err := store.GetJSON(ctx, "report:acc-42", &out)
	if err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if !found {
		t.Fatal("GetJSON found = false, want true")
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestRESTSetJSONSendsTTL(t *testing.T) {
	store, remote := newTestStore(t)

	if err := store.SetJSON(t.Context(), "k", "v", 90*time.Second); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if remote.ttls["k"] != "90" {
		t.Errorf("TTL sent = %q, want \"90\"", remote.ttls["k"])
	}
}

func TestRESTGetJSONMissing(t *testing.T) {
	store, _ := newTestStore(t)

	var out string
	found, err := store.GetJSON(t.Context(), "absent", &out)
	if err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if found {
		t.Error("GetJSON found = true for missing key")
	}
}

func TestRESTIncrSequence(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()

	for want := int64(1); want <= 3; want++ {
		got, err := store.Incr(ctx, "counter")
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if got != want {
			t.Errorf("Incr = %d, want %d", got, want)
		}
	}
}

func TestRESTExpire(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()

	ok, err := store.Expire(ctx, "absent", time.Minute)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if ok {
		t.Error("Expire on missing key = true, want false")
	}

	if _, err := store.Incr(ctx, "counter"); err != nil {
		t.Fatalf("Incr: %v", err)
	}
	ok, err = store.Expire(ctx, "counter", time.Minute)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if !ok {
		t.Error("Expire on live key = false, want true")
	}
}

func TestRESTListFIFO(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()

	for _, v := range []string{"a", "b", "c"} {
		if err := store.LPush(ctx, "pending", v); err != nil {
			t.Fatalf("LPush: %v", err)
		}
	}
	n, err := store.LLen(ctx, "pending")
	if err != nil || n != 3 {
		t.Fatalf("LLen = %d, %v; want 3", n, err)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, found, err := store.RPop(ctx, "pending")
		if err != nil || !found {
			t.Fatalf("RPop: found=%v err=%v", found, err)
		}
		if got != want {
			t.Errorf("RPop = %q, want %q", got, want)
		}
	}

	if _, found, _ := store.RPop(ctx, "pending"); found {
		t.Error("RPop on empty list found = true")
	}
}

func TestRESTHashFlatArray(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()

	if err := store.HSet(ctx, "jobs", "j1", `{"id":"j1"}`); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	if err := store.HSet(ctx, "jobs", "j2", `{"id":"j2"}`); err != nil {
		t.Fatalf("HSet: %v", err)
	}

	all, err := store.HGetAll(ctx, "jobs")
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	want := map[string]string{"j1": `{"id":"j1"}`, "j2": `{"id":"j2"}`}
	if !reflect.DeepEqual(all, want) {
		t.Errorf("HGetAll = %v, want %v", all, want)
	}

	v, found, err := store.HGet(ctx, "jobs", "j1")
	if err != nil || !found || v != `{"id":"j1"}` {
		t.Errorf("HGet = %q, %v, %v", v, found, err)
	}

	if err := store.HDel(ctx, "jobs", "j1"); err != nil {
		t.Fatalf("HDel: %v", err)
	}
	if _, found, _ := store.HGet(ctx, "jobs", "j1"); found {
		t.Error("HGet after HDel found = true")
	}
}

func TestRESTBadTokenIsPermanent(t *testing.T) {
	remote := newFakeRemote("right-token")
	srv := httptest.NewServer(remote.handler())
	defer srv.Close()

	store, err := NewRESTStore(Config{Endpoint: srv.URL, Token: "wrong-token"})
	if err != nil {
		t.Fatalf("NewRESTStore: %v", err)
	}

	err = store.Ping(t.Context())
	var pe *retry.PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("Ping with bad token returned %v, want PermanentError", err)
	}
	if retry.Classify(err) != retry.KindPermanent {
		t.Error("bad-token error classified transient")
	}
}

func TestRESTNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close() // nothing listening anymore

	store, err := NewRESTStore(Config{Endpoint: endpoint})
	if err != nil {
		t.Fatalf("NewRESTStore: %v", err)
	}

	err = store.Ping(t.Context())
	var te *retry.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("Ping against closed server returned %v, want TransientError", err)
	}
}

func TestRESTServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	store, err := NewRESTStore(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewRESTStore: %v", err)
	}

	err = store.Ping(t.Context())
	var te *retry.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("Ping against 502 returned %v, want TransientError", err)
	}
}

func TestRESTStoreErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "WRONGTYPE key holds a list"})
	}))
	defer srv.Close()

	store, err := NewRESTStore(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewRESTStore: %v", err)
	}

	_, err = store.Incr(t.Context(), "pending")
	var pe *retry.PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("Incr returned %v, want PermanentError", err)
	}
}

func TestRESTIntegerStringResult(t *testing.T) {
	// Some providers quote integer replies.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": strconv.Itoa(7)})
	}))
	defer srv.Close()

	store, err := NewRESTStore(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewRESTStore: %v", err)
	}

	n, err := store.Incr(t.Context(), "counter")
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if n != 7 {
		t.Errorf("Incr = %d, want 7", n)
	}
}
