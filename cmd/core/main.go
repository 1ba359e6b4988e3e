package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jhump/protoreflect/dynamic"
	"go.uber.org/zap"

	agentapi "pivideo-control/internal/agent/httpapi"
	"pivideo-control/internal/bus/embeddednats"
	"pivideo-control/internal/bus/natsjs"
	"pivideo-control/internal/collectors/sdk"
	"pivideo-control/internal/coordinator"
	"pivideo-control/internal/core/webui"
	"pivideo-control/internal/directory"
	"pivideo-control/internal/discovery/scanner"
	"pivideo-control/internal/discovery/subnets"
	"pivideo-control/internal/events"
	"pivideo-control/internal/fleet"
	"pivideo-control/internal/fleetview"
	"pivideo-control/internal/groups"
	"pivideo-control/internal/hostnorm"
	"pivideo-control/internal/logging"
	"pivideo-control/internal/mikrotik"
	"pivideo-control/internal/netutil"
	"pivideo-control/internal/poller"
	"pivideo-control/internal/secrets"
	"pivideo-control/internal/settings"
	"pivideo-control/internal/storage/repo"
	"pivideo-control/internal/version"
)

func main() {
	log, err := logging.New(logging.Config{Level: envOr("LOG_LEVEL", "info")})
	if err != nil {
		panic(err)
	}
	startedAt := time.Now()
	defer func() { _ = log.Sync() }()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgStore, err := settings.Open("data")
	if err != nil {
		log.Fatal("settings open", zap.Error(err))
	}
	sec, err := secrets.Open("data")
	if err != nil {
		log.Fatal("secrets open", zap.Error(err))
	}
	cfg := cfgStore.Get()

	// Embedded NATS (optional) — start before any client connections.
	var embMu sync.Mutex
	var emb *embeddednats.Server
	startEmbedded := func(s settings.Settings) {
		embMu.Lock()
		defer embMu.Unlock()
		if emb != nil {
			emb.Shutdown()
			emb = nil
		}
		if !s.EmbeddedNATS.Enabled {
			return
		}
		server, err := embeddednats.Start(embeddednats.Config{
			Host:     s.EmbeddedNATS.Host,
			Port:     s.EmbeddedNATS.Port,
			HTTPPort: s.EmbeddedNATS.HTTPPort,
			StoreDir: s.EmbeddedNATS.StoreDir,
		})
		if err != nil {
			log.Warn("embedded nats start failed", zap.Error(err))
			return
		}
		emb = server
		log.Info("embedded nats started",
			zap.String("host", s.EmbeddedNATS.Host),
			zap.Int("port", s.EmbeddedNATS.Port),
		)
	}
	startEmbedded(cfg)

	schema, err := events.LoadSchema()
	if err != nil {
		log.Fatal("load proto schema", zap.Error(err))
	}

	store := fleet.NewStore()
	groupStore, err := groups.Open("data")
	if err != nil {
		log.Fatal("groups open", zap.Error(err))
	}
	rangeStore := subnets.NewStore()
	eventLog := repo.NewMemoryLog(512)

	// NATS is optional at runtime: the controller must run even if the bus
	// is down; events are simply not published.
	var natsMu sync.RWMutex
	var natsClient *natsjs.Client
	var natsConnected atomic.Bool
	var natsLastErr atomic.Value // string

	publish := func(topic string, payload *dynamic.Message) {
		if !natsConnected.Load() {
			return
		}
		natsMu.RLock()
		c := natsClient
		natsMu.RUnlock()
		if c == nil {
			return
		}
		env, err := schema.Wrap(events.Subject(cfgStore.Get().NATSPrefix, topic), payload)
		if err != nil {
			return
		}
		b, err := events.Marshal(env)
		if err != nil {
			return
		}
		_ = c.Publish(context.Background(), topic, b)
	}

	agentToken := ""
	if cfg.Agent.TokenEnc != "" {
		if tok, err := sec.DecryptString(cfg.Agent.TokenEnc); err == nil {
			agentToken = tok
		} else {
			log.Warn("agent token decrypt failed", zap.Error(err))
		}
	}
	agent := agentapi.New(agentapi.Config{
		Port:    cfg.Agent.Port,
		Token:   agentToken,
		Timeout: cfg.Agent.RequestTimeout,
	})

	poll := poller.New(poller.Config{
		Interval:    cfg.Poller.Interval,
		Concurrency: cfg.Poller.Concurrency,
	}, agent, store, log, func(d fleet.Device, snap poller.Snapshot) {
		m := dynamic.NewMessage(schema.DeviceStateUpdated)
		m.SetFieldByName("host", snap.Host)
		m.SetFieldByName("online", snap.Reachable())
		if snap.Status != nil {
			m.SetFieldByName("is_playing", snap.Status.IsPlaying)
			m.SetFieldByName("is_paused", snap.Status.IsPaused)
			if snap.Status.CurrentVideo != nil {
				m.SetFieldByName("current_video", *snap.Status.CurrentVideo)
			}
		}
		if snap.Err != "" {
			m.SetFieldByName("error", snap.Err)
		}
		if snap.TV != nil {
			m.SetFieldByName("tv_status", snap.TV.Status)
		}
		publish(events.DeviceStateUpdated, m)
	})

	dir := directory.New(directory.Config{
		BaseURL: cfg.Directory.URL,
		Token:   agentToken,
		Timeout: cfg.Agent.RequestTimeout,
		Aliases: cfg.DeviceAliases,
	})
	view := fleetview.New(fleetview.Config{Interval: cfg.Directory.Interval}, dir, store, groupStore, poll, log)

	coord := coordinator.New(coordinator.Config{}, agent, poll, store, log,
		func(g groups.Group, command string, cmdErr error) {
			m := dynamic.NewMessage(schema.CommandCompleted)
			m.SetFieldByName("group_id", g.ID)
			m.SetFieldByName("group_name", g.Name)
			m.SetFieldByName("command", command)
			m.SetFieldByName("devices", int32(len(g.Devices)))
			m.SetFieldByName("ok", cmdErr == nil)
			if cmdErr != nil {
				m.SetFieldByName("error", cmdErr.Error())
			}
			publish(events.GroupCommandCompleted, m)
		})

	// Background loops: directory sync, status sweeps, lease discovery.
	go view.Run(rootCtx)
	go sdk.RunPeriodic(rootCtx, poll, log)
	if cfg.MikroTik.Address != "" {
		routerPass := ""
		if cfg.MikroTik.PasswordEnc != "" {
			routerPass, _ = sec.DecryptString(cfg.MikroTik.PasswordEnc)
		}
		mt := mikrotik.NewCollector(mikrotik.CollectorConfig{
			Interval:       cfg.MikroTik.PollInterval,
			HostnamePrefix: cfg.MikroTik.HostnamePrefix,
			Aliases:        cfg.DeviceAliases,
		}, func() (mikrotik.Client, error) {
			return mikrotik.Dial(mikrotik.RouterOSConfig{
				Address:  cfg.MikroTik.Address,
				Username: cfg.MikroTik.Username,
				Password: routerPass,
				Timeout:  3 * time.Second,
			})
		}, store, log)
		go sdk.RunPeriodic(rootCtx, mt, log)
	}

	// restore persisted scan ranges
	for _, sr := range cfg.ScanRanges {
		if r, err := rangeStore.Add(sr.Spec, sr.Note); err == nil && !sr.Enabled {
			rangeStore.SetEnabled(r.ID, false)
		}
	}
	persistRanges := func() {
		_ = cfgStore.Patch(func(s *settings.Settings) {
			s.ScanRanges = nil
			for _, x := range rangeStore.List() {
				s.ScanRanges = append(s.ScanRanges, settings.ScanRange{Spec: x.Spec, Enabled: x.Enabled, Note: x.Note})
			}
		})
	}

	type scanJob struct {
		cancel context.CancelFunc
	}
	scanMu := sync.Mutex{}
	scans := map[int64]scanJob{}

	runScan := func(scanCtx context.Context, rangeID int64, spec string) {
		defer func() {
			scanMu.Lock()
			delete(scans, rangeID)
			scanMu.Unlock()
			rangeStore.SetScanState(rangeID, false, 100, time.Now().UTC())
		}()

		s := scanner.New(scanner.Config{
			Concurrency: cfgStore.Get().Scanner.Concurrency,
			DialTimeout: cfgStore.Get().Scanner.DialTimeout,
			HTTPTimeout: cfgStore.Get().Scanner.HTTPTimeout,
			AgentPort:   cfgStore.Get().Agent.Port,
		})

		_ = s.ScanSpec(scanCtx, spec,
			func(done, total int) {
				if total <= 0 {
					return
				}
				p := done * 100 / total
				if p > 100 {
					p = 100
				}
				rangeStore.SetScanState(rangeID, true, p, time.Time{})
			},
			func(res scanner.Result) {
				host := res.IP.String()
				now := time.Now().UTC()
				name := hostnorm.DisplayName(res.Hostname, cfgStore.Get().DeviceAliases)
				store.UpsertDiscovery(fleet.SourceScanner, host, name, now)

				m := dynamic.NewMessage(schema.DeviceDiscovered)
				m.SetFieldByName("host", host)
				m.SetFieldByName("name", name)
				m.SetFieldByName("source", fleet.SourceScanner)
				publish(events.DeviceDiscovered, m)
			},
		)
	}

	reconnectCh := make(chan struct{}, 1)
	requestReconnect := func() {
		select {
		case reconnectCh <- struct{}{}:
		default:
		}
	}

	// consumer loop: drains the stream into the recent-activity log.
	startConsumer := func(c *natsjs.Client) {
		consumer, err := c.NewPullConsumer("core-eventlog", ">", 4096)
		if err != nil {
			natsLastErr.Store(err.Error())
			return
		}
		go func() {
			for natsConnected.Load() {
				select {
				case <-rootCtx.Done():
					return
				default:
				}
				msgs, err := consumer.Fetch(rootCtx, 256, 2*time.Second)
				if err != nil {
					continue
				}
				for _, msg := range msgs {
					env, err := events.UnmarshalEnvelope(schema, msg.Data())
					if err != nil {
						_ = msg.Term()
						continue
					}
					_ = eventLog.Append(rootCtx, events.ToRecord(schema, env))
					_ = msg.Ack()
				}
			}
		}()
	}

	// connect loop
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				natsMu.Lock()
				if natsClient != nil {
					_ = natsClient.Close()
					natsClient = nil
				}
				natsMu.Unlock()
				return
			default:
			}
			cfg := cfgStore.Get()

			c, err := natsjs.Connect(natsjs.Config{
				URL:     cfg.NATSURL,
				Prefix:  cfg.NATSPrefix,
				Timeout: 2 * time.Second,
			})
			if err == nil {
				err = c.EnsureStreams()
				if err != nil {
					_ = c.Close()
				}
			}
			if err != nil {
				natsConnected.Store(false)
				natsLastErr.Store(err.Error())
				select {
				case <-rootCtx.Done():
					return
				case <-time.After(2 * time.Second):
					continue
				case <-reconnectCh:
					continue
				}
			}

			natsMu.Lock()
			if natsClient != nil {
				_ = natsClient.Close()
			}
			natsClient = c
			natsMu.Unlock()

			natsConnected.Store(true)
			natsLastErr.Store("")
			startConsumer(c)

			select {
			case <-rootCtx.Done():
				natsConnected.Store(false)
				natsMu.Lock()
				if natsClient != nil {
					_ = natsClient.Close()
					natsClient = nil
				}
				natsMu.Unlock()
				return
			case <-reconnectCh:
			}
			natsConnected.Store(false)
		}
	}()

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	groupErr := func(w http.ResponseWriter, err error) {
		switch {
		case errors.Is(err, groups.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, groups.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
	// Partial failures come back 502 with the per-device list so the
	// dashboard can show "pi2: http 404: ..." lines.
	commandResult := func(w http.ResponseWriter, err error) {
		if err == nil {
			writeJSON(w, map[string]any{"ok": true})
			return
		}
		var cmdErr *coordinator.CommandError
		if errors.As(err, &cmdErr) {
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": cmdErr.Error(), "failures": cmdErr.Failures})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
	loadGroup := func(w http.ResponseWriter, r *http.Request) (groups.Group, bool) {
		g, ok := groupStore.Get(chi.URLParam(r, "id"))
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
		}
		return g, ok
	}
	resolveDevices := func(hosts []string) []fleet.Device {
		out := make([]fleet.Device, 0, len(hosts))
		for _, h := range hosts {
			h = strings.TrimSpace(h)
			if h == "" {
				continue
			}
			if d, ok := store.Get(h); ok {
				out = append(out, *d)
				continue
			}
			out = append(out, fleet.Device{Name: h, Host: h})
		}
		return out
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain")
		_, _ = w.Write([]byte(version.String()))
	})
	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		errStr, _ := natsLastErr.Load().(string)
		embMu.Lock()
		embOn := emb != nil
		embMu.Unlock()
		writeJSON(w, map[string]any{
			"nats_connected": natsConnected.Load(),
			"nats_error":     errStr,
			"embedded_nats":  embOn,
			"started_at":     startedAt.Format(time.RFC3339),
			"uptime_s":       int64(time.Since(startedAt).Seconds()),
		})
	})

	// Fleet view: every device exactly once, grouped or ungrouped.
	r.Get("/api/fleet", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, view.Snapshot())
	})
	r.Get("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, store.List())
	})
	r.Get("/api/devices/{host}", func(w http.ResponseWriter, r *http.Request) {
		host := strings.TrimSpace(chi.URLParam(r, "host"))
		d, ok := store.Get(host)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		out := map[string]any{"device": d}
		if snap, ok := poll.Latest(host); ok {
			out["snapshot"] = snap
		}
		writeJSON(w, out)
	})
	r.Get("/api/devices/{host}/status", func(w http.ResponseWriter, r *http.Request) {
		host := strings.TrimSpace(chi.URLParam(r, "host"))
		snap := poll.Poll(r.Context(), host)
		poll.Record(snap)
		store.SetPollState(host, snap.Reachable(), snap.Err, snap.PolledAt)
		writeJSON(w, snap)
	})

	// Single-device playback relay.
	deviceCommand := func(fn func(ctx context.Context, host string) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			host := strings.TrimSpace(chi.URLParam(r, "host"))
			if err := fn(r.Context(), host); err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			writeJSON(w, map[string]any{"ok": true})
		}
	}
	r.Post("/api/devices/{host}/play", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Video string `json:"video_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Video) == "" {
			http.Error(w, "video_name required", http.StatusBadRequest)
			return
		}
		host := strings.TrimSpace(chi.URLParam(r, "host"))
		if err := agent.Play(r.Context(), host, req.Video); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})
	r.Post("/api/devices/{host}/pause", deviceCommand(agent.Pause))
	r.Post("/api/devices/{host}/resume", deviceCommand(agent.Resume))
	r.Post("/api/devices/{host}/stop", deviceCommand(agent.Stop))
	r.Post("/api/devices/{host}/upload", func(w http.ResponseWriter, r *http.Request) {
		host := strings.TrimSpace(chi.URLParam(r, "host"))
		filename, data, err := readUpload(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := agent.Upload(r.Context(), host, filename, data); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})
	r.Delete("/api/devices/{host}/video/{name}", func(w http.ResponseWriter, r *http.Request) {
		host := strings.TrimSpace(chi.URLParam(r, "host"))
		if err := agent.DeleteVideo(r.Context(), host, chi.URLParam(r, "name")); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// TV control per device.
	r.Get("/api/devices/{host}/tv", func(w http.ResponseWriter, r *http.Request) {
		host := strings.TrimSpace(chi.URLParam(r, "host"))
		out := map[string]any{}
		if tv, err := agent.TVStatus(r.Context(), host); err == nil {
			out["status"] = tv.Status
		} else {
			out["status_error"] = err.Error()
		}
		if in, err := agent.CurrentInput(r.Context(), host); err == nil {
			out["current_input"] = in
		}
		if m, err := agent.HDMIMap(r.Context(), host); err == nil {
			out["hdmi_map"] = m
		}
		if exists, err := agent.HasHDMIMap(r.Context(), host); err == nil {
			out["hdmi_map_configured"] = exists
		}
		writeJSON(w, out)
	})
	r.Put("/api/devices/{host}/tv/hdmi_map", func(w http.ResponseWriter, r *http.Request) {
		host := strings.TrimSpace(chi.URLParam(r, "host"))
		var m map[int]string
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil || len(m) == 0 {
			http.Error(w, "port -> label map required", http.StatusBadRequest)
			return
		}
		if err := agent.SetHDMIMap(r.Context(), host, m); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})
	r.Post("/api/devices/{host}/tv/reset", func(w http.ResponseWriter, r *http.Request) {
		host := strings.TrimSpace(chi.URLParam(r, "host"))
		if err := agent.ResetHDMIMap(r.Context(), host); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})
	r.Post("/api/devices/{host}/tv/switch/{port}", func(w http.ResponseWriter, r *http.Request) {
		host := strings.TrimSpace(chi.URLParam(r, "host"))
		port, err := strconv.Atoi(chi.URLParam(r, "port"))
		if err != nil || port <= 0 {
			http.Error(w, "bad port", http.StatusBadRequest)
			return
		}
		if err := agent.Switch(r.Context(), host, port); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	// On/off schedule relay.
	r.Get("/api/devices/{host}/schedule", func(w http.ResponseWriter, r *http.Request) {
		host := strings.TrimSpace(chi.URLParam(r, "host"))
		ws, err := agent.Schedule(r.Context(), host)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, ws)
	})
	r.Put("/api/devices/{host}/schedule", func(w http.ResponseWriter, r *http.Request) {
		host := strings.TrimSpace(chi.URLParam(r, "host"))
		var ws agentapi.WeeklySchedule
		if err := json.NewDecoder(r.Body).Decode(&ws); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := agent.SetSchedule(r.Context(), host, &ws); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})
	r.Delete("/api/devices/{host}/schedule", func(w http.ResponseWriter, r *http.Request) {
		host := strings.TrimSpace(chi.URLParam(r, "host"))
		if err := agent.ClearSchedule(r.Context(), host); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Groups CRUD.
	r.Get("/api/groups", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, groupStore.ListSorted())
	})
	r.Post("/api/groups", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name  string   `json:"name"`
			Hosts []string `json:"hosts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		g, err := groupStore.Create(req.Name, resolveDevices(req.Hosts))
		if err != nil {
			groupErr(w, err)
			return
		}
		writeJSON(w, g)
	})
	r.Get("/api/groups/{id}", func(w http.ResponseWriter, r *http.Request) {
		if g, ok := loadGroup(w, r); ok {
			writeJSON(w, g)
		}
	})
	r.Put("/api/groups/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name  string   `json:"name"`
			Hosts []string `json:"hosts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		var devices []fleet.Device
		if req.Hosts != nil {
			devices = resolveDevices(req.Hosts)
		}
		g, err := groupStore.Update(chi.URLParam(r, "id"), req.Name, devices)
		if err != nil {
			groupErr(w, err)
			return
		}
		writeJSON(w, g)
	})
	r.Delete("/api/groups/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := groupStore.Delete(id); err != nil {
			groupErr(w, err)
			return
		}
		coord.Forget(id)
		w.WriteHeader(http.StatusNoContent)
	})

	// Group commands: all-or-nothing state, per-device failure reporting.
	r.Get("/api/groups/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		if g, ok := loadGroup(w, r); ok {
			writeJSON(w, coord.Status(r.Context(), g))
		}
	})
	r.Post("/api/groups/{id}/play", func(w http.ResponseWriter, r *http.Request) {
		g, ok := loadGroup(w, r)
		if !ok {
			return
		}
		var req struct {
			Video string `json:"video_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Video) == "" {
			http.Error(w, "video_name required", http.StatusBadRequest)
			return
		}
		commandResult(w, coord.Play(r.Context(), g, req.Video))
	})
	r.Post("/api/groups/{id}/pause", func(w http.ResponseWriter, r *http.Request) {
		if g, ok := loadGroup(w, r); ok {
			commandResult(w, coord.Pause(r.Context(), g))
		}
	})
	r.Post("/api/groups/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		if g, ok := loadGroup(w, r); ok {
			commandResult(w, coord.Resume(r.Context(), g))
		}
	})
	r.Post("/api/groups/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		if g, ok := loadGroup(w, r); ok {
			commandResult(w, coord.Stop(r.Context(), g))
		}
	})
	r.Post("/api/groups/{id}/upload", func(w http.ResponseWriter, r *http.Request) {
		g, ok := loadGroup(w, r)
		if !ok {
			return
		}
		filename, data, err := readUpload(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		commandResult(w, coord.Upload(r.Context(), g, filename, data))
	})
	r.Delete("/api/groups/{id}/video/{name}", func(w http.ResponseWriter, r *http.Request) {
		if g, ok := loadGroup(w, r); ok {
			commandResult(w, coord.Delete(r.Context(), g, chi.URLParam(r, "name")))
		}
	})

	// Fleet-wide HDMI switch by input label. Devices without the label are
	// skipped; the response reports how many actually switched.
	r.Post("/api/tv/switch_all", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Label string `json:"label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Label) == "" {
			http.Error(w, "label required", http.StatusBadRequest)
			return
		}
		devices := make([]fleet.Device, 0)
		for _, d := range store.List() {
			devices = append(devices, *d)
		}
		switched, err := coord.SwitchAll(r.Context(), devices, req.Label)

		m := dynamic.NewMessage(schema.SwitchCompleted)
		m.SetFieldByName("target_label", req.Label)
		m.SetFieldByName("switched", int32(switched))
		m.SetFieldByName("devices", int32(len(devices)))
		if err != nil {
			m.SetFieldByName("error", err.Error())
		}
		publish(events.FleetSwitchCompleted, m)

		if err != nil {
			var cmdErr *coordinator.CommandError
			if errors.As(err, &cmdErr) {
				w.Header().Set("content-type", "application/json")
				w.WriteHeader(http.StatusBadGateway)
				_ = json.NewEncoder(w).Encode(map[string]any{"switched": switched, "error": cmdErr.Error(), "failures": cmdErr.Failures})
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"switched": switched})
	})

	// Recent bus activity.
	r.Get("/api/events", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		recs, err := eventLog.Recent(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, recs)
	})

	// Ad-hoc discovery sweep: blocks for the duration of the scan and
	// returns the hits. Persistent ranges live under /api/scan/ranges.
	r.Post("/api/discovery/scan", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Spec string `json:"spec"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if p := netutil.PreviewSpec(req.Spec); !p.Valid {
			http.Error(w, p.Error, http.StatusBadRequest)
			return
		}

		cfg := cfgStore.Get()
		s := scanner.New(scanner.Config{
			Concurrency: cfg.Scanner.Concurrency,
			DialTimeout: cfg.Scanner.DialTimeout,
			HTTPTimeout: cfg.Scanner.HTTPTimeout,
			AgentPort:   cfg.Agent.Port,
		})

		var mu sync.Mutex
		hits := make([]scanner.Result, 0)
		err := s.ScanSpec(r.Context(), req.Spec, nil, func(res scanner.Result) {
			host := res.IP.String()
			name := hostnorm.DisplayName(res.Hostname, cfg.DeviceAliases)
			store.UpsertDiscovery(fleet.SourceScanner, host, name, time.Now().UTC())

			m := dynamic.NewMessage(schema.DeviceDiscovered)
			m.SetFieldByName("host", host)
			m.SetFieldByName("name", name)
			m.SetFieldByName("source", fleet.SourceScanner)
			publish(events.DeviceDiscovered, m)

			mu.Lock()
			hits = append(hits, res)
			mu.Unlock()
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"found": len(hits), "devices": hits})
	})

	// Discovery scan ranges.
	r.Get("/api/scan/preview", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, netutil.PreviewSpec(r.URL.Query().Get("spec")))
	})
	r.Get("/api/scan/ranges", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, rangeStore.List())
	})
	r.Post("/api/scan/ranges", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Spec string `json:"spec"`
			Note string `json:"note"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		sr, err := rangeStore.Add(req.Spec, req.Note)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		persistRanges()
		writeJSON(w, sr)
	})
	r.Delete("/api/scan/ranges/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if id <= 0 {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		scanMu.Lock()
		if j, ok := scans[id]; ok {
			j.cancel()
			delete(scans, id)
		}
		scanMu.Unlock()
		if !rangeStore.Delete(id) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		persistRanges()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/api/scan/ranges/{id}/scan", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		sr, ok := rangeStore.Get(id)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		scanMu.Lock()
		if _, exists := scans[id]; exists {
			scanMu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			return
		}
		scanCtx, cancel := context.WithCancel(rootCtx)
		scans[id] = scanJob{cancel: cancel}
		scanMu.Unlock()

		rangeStore.SetScanState(id, true, 0, time.Time{})
		go runScan(scanCtx, id, sr.Spec)
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/api/scan/ranges/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		scanMu.Lock()
		j, ok := scans[id]
		if ok {
			j.cancel()
			delete(scans, id)
		}
		scanMu.Unlock()
		if ok {
			rangeStore.SetScanState(id, false, 0, time.Now().UTC())
		}
		w.WriteHeader(http.StatusAccepted)
	})

	// Settings
	r.Get("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cfgStore.Get())
	})
	r.Put("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		var s settings.Settings
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		// Secrets are managed via their own endpoints; never allow wiping
		// them through the settings form.
		prev := cfgStore.Get()
		s.Agent.TokenEnc = prev.Agent.TokenEnc
		s.MikroTik.PasswordEnc = prev.MikroTik.PasswordEnc
		s.ScanRanges = prev.ScanRanges
		normalizeSettings(&s)
		if err := cfgStore.Update(s); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		startEmbedded(s)
		requestReconnect()
		writeJSON(w, cfgStore.Get())
	})
	r.Put("/api/settings/agent-token", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		enc, err := sec.EncryptString(req.Token)
		if err != nil {
			http.Error(w, "encrypt failed", http.StatusInternalServerError)
			return
		}
		_ = cfgStore.Patch(func(s *settings.Settings) { s.Agent.TokenEnc = enc })
		// Takes effect on restart; the shared agent client is built once.
		w.WriteHeader(http.StatusAccepted)
	})

	// Exit (dashboard Settings -> Exit)
	exitCh := make(chan struct{}, 1)
	r.Post("/api/admin/exit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("bye"))
		select {
		case exitCh <- struct{}{}:
		default:
		}
	})

	// SSE: one stream carries the whole fleet document; any registry or
	// group change triggers a resend.
	r.Get("/api/stream/fleet", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusBadRequest)
			return
		}

		w.Header().Set("content-type", "text/event-stream")
		w.Header().Set("cache-control", "no-cache")
		w.Header().Set("connection", "keep-alive")

		ctx := r.Context()
		devCh := store.Subscribe(ctx)
		grpCh := groupStore.Subscribe(ctx)

		send := func() {
			b, _ := json.Marshal(view.Snapshot())
			_, _ = fmt.Fprintf(w, "event: fleet\ndata: %s\n\n", b)
			flusher.Flush()
		}
		send()

		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-devCh:
				send()
			case <-grpCh:
				send()
			case <-heartbeat.C:
				_, _ = fmt.Fprint(w, "event: ping\ndata: 1\n\n")
				flusher.Flush()
			}
		}
	})

	r.Get("/api/stream/scans", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusBadRequest)
			return
		}

		w.Header().Set("content-type", "text/event-stream")
		w.Header().Set("cache-control", "no-cache")
		w.Header().Set("connection", "keep-alive")

		ctx := r.Context()
		ch := rangeStore.Subscribe(ctx)

		send := func() {
			b, _ := json.Marshal(rangeStore.List())
			_, _ = fmt.Fprintf(w, "event: scans\ndata: %s\n\n", b)
			flusher.Flush()
		}
		send()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				send()
			}
		}
	})

	// UI (embedded)
	if uiFS, err := webui.FS(); err == nil {
		fileServer := http.FileServer(http.FS(uiFS))
		r.Handle("/*", fileServer)
	} else {
		log.Warn("web ui disabled", zap.Error(err))
	}

	addr := cfgStore.Get().HTTPAddr
	ln, actualAddr, err := listenWithFallback(addr)
	if err != nil {
		log.Fatal("http listen", zap.String("addr", addr), zap.Error(err))
	}
	if actualAddr != addr {
		log.Warn("http addr was busy; switched", zap.String("from", addr), zap.String("to", actualAddr))
		_ = cfgStore.Patch(func(s *settings.Settings) { s.HTTPAddr = actualAddr })
	}
	srv := &http.Server{Handler: r}
	go func() {
		log.Info("controller http listening", zap.String("addr", actualAddr), zap.String("version", version.String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http serve", zap.Error(err))
			select {
			case exitCh <- struct{}{}:
			default:
			}
		}
	}()

	select {
	case <-rootCtx.Done():
	case <-exitCh:
	}

	// Stop scans
	scanMu.Lock()
	for _, j := range scans {
		j.cancel()
	}
	scans = map[int64]scanJob{}
	scanMu.Unlock()

	// Stop NATS client
	natsConnected.Store(false)
	natsMu.Lock()
	if natsClient != nil {
		_ = natsClient.Close()
		natsClient = nil
	}
	natsMu.Unlock()

	// Stop embedded NATS
	embMu.Lock()
	if emb != nil {
		emb.Shutdown()
		emb = nil
	}
	embMu.Unlock()

	// Stop HTTP
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	_ = srv.Shutdown(ctxTimeout)
	cancel()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// readUpload accepts either a multipart form ("file" field) or a raw body
// with the filename in a query parameter.
func readUpload(r *http.Request) (string, []byte, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			return "", nil, fmt.Errorf("multipart file field: %w", err)
		}
		defer func() { _ = f.Close() }()
		data, err := io.ReadAll(io.LimitReader(f, 2<<30))
		if err != nil {
			return "", nil, err
		}
		return hdr.Filename, data, nil
	}

	name := strings.TrimSpace(r.URL.Query().Get("filename"))
	if name == "" {
		return "", nil, errors.New("filename required")
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 2<<30))
	if err != nil {
		return "", nil, err
	}
	return name, data, nil
}

func normalizeSettings(s *settings.Settings) {
	if s.Version == 0 {
		s.Version = 1
	}
	if s.HTTPAddr == "" {
		s.HTTPAddr = ":7777"
	}
	if s.Directory.Interval <= 0 {
		s.Directory.Interval = 60 * time.Second
	}
	if s.Agent.Port == 0 {
		s.Agent.Port = 8000
	}
	if s.Agent.RequestTimeout <= 0 {
		s.Agent.RequestTimeout = 5 * time.Second
	}
	if s.Poller.Interval <= 0 {
		s.Poller.Interval = 60 * time.Second
	}
	if s.Poller.Concurrency <= 0 {
		s.Poller.Concurrency = 16
	}
	if s.Scanner.Concurrency <= 0 {
		s.Scanner.Concurrency = 128
	}
	if s.Scanner.DialTimeout <= 0 {
		s.Scanner.DialTimeout = 600 * time.Millisecond
	}
	if s.Scanner.HTTPTimeout <= 0 {
		s.Scanner.HTTPTimeout = 1 * time.Second
	}
	if s.MikroTik.PollInterval <= 0 {
		s.MikroTik.PollInterval = 30 * time.Second
	}
	if s.MikroTik.HostnamePrefix == "" {
		s.MikroTik.HostnamePrefix = "pi"
	}
	if s.NATSURL == "" {
		s.NATSURL = "nats://127.0.0.1:14222"
	}
	if s.NATSPrefix == "" {
		s.NATSPrefix = "pivideo"
	}
	if s.EmbeddedNATS.Host == "" {
		s.EmbeddedNATS.Host = "127.0.0.1"
	}
	if s.EmbeddedNATS.Port == 0 {
		s.EmbeddedNATS.Port = 14222
	}
	if s.EmbeddedNATS.HTTPPort == 0 {
		s.EmbeddedNATS.HTTPPort = 18222
	}
	if s.EmbeddedNATS.StoreDir == "" {
		s.EmbeddedNATS.StoreDir = "data/nats"
	}
}

func listenWithFallback(addr string) (net.Listener, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, addr, nil
	}
	if !isAddrInUse(err) {
		return nil, "", err
	}

	host, portStr, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		if len(addr) > 0 && addr[0] == ':' {
			host = ""
			portStr = addr[1:]
		} else {
			return nil, "", err
		}
	}
	var port int
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	if port == 0 {
		return nil, "", err
	}

	for i := 1; i <= 20; i++ {
		tryAddr := net.JoinHostPort(host, fmt.Sprintf("%d", port+i))
		ln, e := net.Listen("tcp", tryAddr)
		if e == nil {
			return ln, tryAddr, nil
		}
	}
	return nil, "", err
}

func isAddrInUse(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "address already in use") ||
		strings.Contains(strings.ToLower(err.Error()), "only one usage of each socket address")
}
