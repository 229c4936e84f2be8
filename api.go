package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/hm/central"
	"github.com/stapelberg/hmcentral/internal/logging"
)

// apiTimeout bounds one API call, which may have to wait for a device
// to wake up.
const apiTimeout = 2 * time.Minute

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type peerInfo struct {
	Serial        string    `json:"serial"`
	Address       string    `json:"address"`
	Type          string    `json:"type"`
	Firmware      byte      `json:"firmware"`
	LastSeen      time.Time `json:"last_seen,omitzero"`
	RSSI          int       `json:"rssi"`
	Unreach       bool      `json:"unreach"`
	ConfigPending bool      `json:"config_pending"`
}

type api struct {
	central *central.Central
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/peers", a.handle(a.peers))
	mux.HandleFunc("POST /api/pair", a.handle(a.pair))
	mux.HandleFunc("POST /api/unpair", a.handle(a.unpair))
	mux.HandleFunc("GET /api/paramset", a.handle(a.getParamset))
	mux.HandleFunc("PUT /api/paramset", a.handle(a.putParamset))
	mux.HandleFunc("GET /api/links", a.handle(a.links))
	mux.HandleFunc("POST /api/links", a.handle(a.addLink))
	mux.HandleFunc("DELETE /api/links", a.handle(a.removeLink))
	mux.HandleFunc("POST /api/team", a.handle(a.joinTeam))
	mux.HandleFunc("DELETE /api/team", a.handle(a.leaveTeam))
	mux.HandleFunc("GET /api/level", a.handle(a.getLevel))
	mux.HandleFunc("POST /api/level", a.handle(a.setLevel))
}

// handle adapts fn to an http.HandlerFunc: the result is encoded as
// JSON, errors of the central carry their code.
func (a *api) handle(fn func(ctx context.Context, r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), apiTimeout)
		defer cancel()
		res, err := fn(ctx, r)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			status, body := errorResponse(err)
			logging.L().Infof("%s %s: %v", r.Method, r.URL, err)
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(body)
			return
		}
		if res == nil {
			res = struct{}{}
		}
		if err := json.NewEncoder(w).Encode(res); err != nil {
			logging.L().Infof("%s %s: writing response: %v", r.Method, r.URL, err)
		}
	}
}

func errorResponse(err error) (int, apiError) {
	var cerr *central.Error
	if !errors.As(err, &cerr) {
		return http.StatusInternalServerError, apiError{Message: err.Error()}
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(cerr, central.ErrUnknownPeer):
		status = http.StatusNotFound
	case errors.Is(cerr, central.ErrUnknownParameter):
		status = http.StatusBadRequest
	case errors.Is(cerr, central.ErrBusy):
		status = http.StatusConflict
	case errors.Is(cerr, central.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(cerr, central.ErrNotPaired):
		status = http.StatusPreconditionFailed
	}
	return status, apiError{Code: cerr.Code, Message: cerr.Msg}
}

func badRequest(format string, args ...any) error {
	return &central.Error{Code: central.ErrUnknownParameter.Code, Msg: fmt.Sprintf(format, args...)}
}

func uintParam(r *http.Request, name string) (byte, error) {
	n, err := strconv.ParseUint(r.FormValue(name), 0, 8)
	if err != nil {
		return 0, badRequest("invalid %s %q", name, r.FormValue(name))
	}
	return byte(n), nil
}

func channelParam(r *http.Request, name string) (central.Channel, error) {
	return central.ParseChannel(r.FormValue(name))
}

func paramsetKey(r *http.Request) (hm.ParamsetKey, error) {
	ch, err := uintParam(r, "channel")
	if err != nil {
		return hm.ParamsetKey{}, err
	}
	list, err := uintParam(r, "list")
	if err != nil {
		return hm.ParamsetKey{}, err
	}
	return hm.ParamsetKey{Channel: ch, List: list}, nil
}

func (a *api) peers(ctx context.Context, r *http.Request) (any, error) {
	peers := a.central.Peers()
	infos := make([]peerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, peerInfo{
			Serial:        p.Serial,
			Address:       p.Address.String(),
			Type:          hm.TypeName(p.Type),
			Firmware:      p.Firmware,
			LastSeen:      p.LastSeen(),
			RSSI:          p.RSSI(),
			Unreach:       p.Unreach(),
			ConfigPending: p.ConfigPending(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Serial < infos[j].Serial })
	return infos, nil
}

func (a *api) pair(ctx context.Context, r *http.Request) (any, error) {
	duration := 60 * time.Second
	if d := r.FormValue("duration"); d != "" {
		var err error
		if duration, err = time.ParseDuration(d); err != nil {
			return nil, badRequest("invalid duration %q", d)
		}
	}
	if serial := r.FormValue("serial"); serial != "" {
		a.central.PairSerial(serial, duration)
		return nil, nil
	}
	a.central.EnablePairing(duration)
	return nil, nil
}

func (a *api) unpair(ctx context.Context, r *http.Request) (any, error) {
	reset, _ := strconv.ParseBool(r.FormValue("reset"))
	return nil, a.central.Unpair(ctx, r.FormValue("serial"), reset)
}

func (a *api) getParamset(ctx context.Context, r *http.Request) (any, error) {
	key, err := paramsetKey(r)
	if err != nil {
		return nil, err
	}
	serial := r.FormValue("serial")
	if refresh, _ := strconv.ParseBool(r.FormValue("refresh")); refresh {
		return a.central.GetParamset(ctx, serial, key)
	}
	return a.central.Paramset(serial, key)
}

func (a *api) putParamset(ctx context.Context, r *http.Request) (any, error) {
	key, err := paramsetKey(r)
	if err != nil {
		return nil, err
	}
	var values map[byte]byte
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		return nil, badRequest("decoding values: %v", err)
	}
	return nil, a.central.PutParamset(ctx, r.FormValue("serial"), key, values)
}

func (a *api) links(ctx context.Context, r *http.Request) (any, error) {
	ch, err := uintParam(r, "channel")
	if err != nil {
		return nil, err
	}
	links, err := a.central.ReadLinks(ctx, r.FormValue("serial"), ch)
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(links))
	for _, l := range links {
		res = append(res, a.describe(l))
	}
	return res, nil
}

// describe names a link target by serial number if it is a peer.
func (a *api) describe(fqc hm.FullyQualifiedChannel) string {
	if fqc.Peer == a.central.Addr {
		return central.Channel{Serial: a.central.Serial, Channel: fqc.Channel}.String()
	}
	if p := a.central.Peer(fqc.Peer); p != nil {
		return central.Channel{Serial: p.Serial, Channel: fqc.Channel}.String()
	}
	return fqc.String()
}

func (a *api) linkParams(r *http.Request) (from, to central.Channel, err error) {
	if from, err = channelParam(r, "from"); err != nil {
		return from, to, err
	}
	to, err = channelParam(r, "to")
	return from, to, err
}

func (a *api) addLink(ctx context.Context, r *http.Request) (any, error) {
	from, to, err := a.linkParams(r)
	if err != nil {
		return nil, err
	}
	return nil, a.central.AddLink(ctx, from, to)
}

func (a *api) removeLink(ctx context.Context, r *http.Request) (any, error) {
	from, to, err := a.linkParams(r)
	if err != nil {
		return nil, err
	}
	return nil, a.central.RemoveLink(ctx, from, to)
}

func (a *api) joinTeam(ctx context.Context, r *http.Request) (any, error) {
	return nil, a.central.JoinTeam(ctx, r.FormValue("member"), r.FormValue("leader"))
}

func (a *api) leaveTeam(ctx context.Context, r *http.Request) (any, error) {
	return nil, a.central.LeaveTeam(ctx, r.FormValue("member"))
}

type levelResponse struct {
	Level byte `json:"level"`
}

func (a *api) getLevel(ctx context.Context, r *http.Request) (any, error) {
	ch, err := uintParam(r, "channel")
	if err != nil {
		return nil, err
	}
	serial := r.FormValue("serial")
	if refresh, _ := strconv.ParseBool(r.FormValue("refresh")); !refresh {
		if level, ok := a.central.Level(serial, ch); ok {
			return levelResponse{Level: level}, nil
		}
	}
	level, err := a.central.RequestStatus(ctx, serial, ch)
	if err != nil {
		return nil, err
	}
	return levelResponse{Level: level}, nil
}

func (a *api) setLevel(ctx context.Context, r *http.Request) (any, error) {
	ch, err := uintParam(r, "channel")
	if err != nil {
		return nil, err
	}
	level, err := uintParam(r, "level")
	if err != nil {
		return nil, err
	}
	return nil, a.central.SetLevel(ctx, r.FormValue("serial"), ch, level)
}
