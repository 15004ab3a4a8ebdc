package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/aes67/pkg/aes67"
	"github.com/arzzra/aes67/pkg/audio"
	"github.com/arzzra/aes67/pkg/ptp"
	"github.com/arzzra/aes67/pkg/sap"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var (
		localAddrs  = flag.String("local", envOr("AES67_LOCAL", ""), "Локальные IPv4 адреса через запятую (по умолчанию первый подходящий интерфейс)")
		domain      = flag.Int("domain", envInt("AES67_PTP_DOMAIN", 0), "PTP домен 0-3")
		priority1   = flag.Int("priority1", envInt("AES67_PTP_PRIORITY1", 128), "PTP priority1")
		sampleRate  = flag.Int("rate", envInt("AES67_RATE", 48000), "Частота дискретизации потока")
		bitDepth    = flag.Int("bits", envInt("AES67_BITS", 24), "Разрядность потока")
		channels    = flag.Int("channels", envInt("AES67_CHANNELS", 2), "Число каналов потока")
		ptime       = flag.Duration("ptime", envDuration("AES67_PTIME", time.Millisecond), "Длительность пакета")
		mp3File     = flag.String("mp3", envOr("AES67_MP3", ""), "MP3 файл для трансляции (по кругу)")
		tone        = flag.Float64("tone", 0, "Частота тестового тона в Гц (0 - без тона)")
		name        = flag.String("name", envOr("AES67_NAME", "aes67d"), "Имя сессии")
		metricsAddr = flag.String("metrics", envOr("METRICS_ADDR", ":9100"), "Адрес /metrics (пусто - отключено)")
		loopback    = flag.Bool("loopback", false, "Получать собственные multicast пакеты")
		announceDNS = flag.Bool("mdns", envOr("AES67_MDNS", "") != "", "Публиковать HTTP список каналов через mDNS")
	)
	flag.Parse()

	config := aes67.DefaultConfig()
	config.Format = audio.Format{SampleRate: *sampleRate, BitDepth: *bitDepth, Channels: *channels}
	config.PacketTime = *ptime
	config.Loopback = *loopback
	config.PTP.Domain = uint8(*domain)
	config.PTP.Priority1 = uint8(*priority1)
	config.PTP.Loopback = *loopback

	if *localAddrs != "" {
		config.LocalAddresses = strings.Split(*localAddrs, ",")
	} else {
		addr, err := aes67.DefaultLocalAddress()
		if err != nil {
			slog.Error("не удалось выбрать интерфейс", "error", err)
			os.Exit(1)
		}
		config.LocalAddresses = []string{addr}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	manager, err := aes67.NewManager(config,
		aes67.WithMetrics(aes67.NewMetrics(registry)),
		aes67.WithPTPMetrics(ptp.NewMetrics(registry)),
	)
	if err != nil {
		slog.Error("ошибка создания менеджера", "error", err)
		os.Exit(1)
	}
	manager.OnSessionEvent(func(ev aes67.SessionEvent) {
		level := slog.LevelDebug
		if ev.Changed {
			level = slog.LevelInfo
		}
		slog.Log(context.Background(), level, "сессия в сети",
			"event", ev.Type.String(),
			"name", ev.Session.Name,
			"origin", ev.Origin,
			"group", ev.Session.MulticastAddress)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("получен сигнал, остановка", "signal", sig)
		cancel()
	}()

	slog.Info("aes67d запускается",
		"version", version,
		"local", config.LocalAddresses,
		"format", config.Format.String(),
		"ptime", config.PacketTime,
		"domain", config.PTP.Domain)

	if err := manager.Start(ctx); err != nil {
		slog.Error("ошибка запуска", "error", err)
		os.Exit(1)
	}
	defer manager.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: metricsMux(registry, manager)}
		g.Go(func() error {
			slog.Info("метрики доступны", "addr", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		if *announceDNS {
			shutdown, err := advertise(*name, *metricsAddr, config.LocalAddresses)
			if err != nil {
				slog.Warn("mDNS публикация недоступна", "error", err)
			} else {
				defer shutdown()
			}
		}
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if src, err := openSource(*mp3File, *tone, config.Format); err != nil {
		slog.Error("ошибка открытия источника", "error", err)
		os.Exit(1)
	} else if src != nil {
		if c, ok := src.(io.Closer); ok {
			defer c.Close()
		}
		ch, err := manager.NewChannel(aes67.ChannelConfig{
			Name:  *name,
			Info:  src.Format().String(),
			Input: src.Format(),
		})
		if err != nil {
			slog.Error("ошибка создания канала", "error", err)
			os.Exit(1)
		}
		slog.Info("трансляция запущена",
			"ssrc", fmt.Sprintf("%08X", ch.SSRC()),
			"group", ch.MulticastAddress())
		g.Go(func() error {
			return audio.Pump(ctx, src, ch, 20*time.Millisecond)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				logStatus(manager)
			}
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("aes67d остановлен с ошибкой", "error", err)
		os.Exit(1)
	}
	slog.Info("aes67d остановлен")
}

func openSource(mp3File string, tone float64, format audio.Format) (audio.Source, error) {
	switch {
	case mp3File != "":
		return audio.NewMP3Source(mp3File, true)
	case tone > 0:
		return audio.NewToneSource(format, tone, 0.25)
	default:
		return nil, nil
	}
}

func metricsMux(registry *prometheus.Registry, manager *aes67.Manager) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		writeSDP(w, manager.DiscoveredSessions())
	})
	mux.HandleFunc("/channels", func(w http.ResponseWriter, _ *http.Request) {
		var descs []sap.Description
		for _, ch := range manager.Channels() {
			descs = append(descs, ch.Descriptions()...)
		}
		writeSDP(w, descs)
	})
	return mux
}

// writeSDP отдает описания подряд, разделяя их пустой строкой
func writeSDP(w http.ResponseWriter, descs []sap.Description) {
	w.Header().Set("Content-Type", "application/sdp")
	for _, d := range descs {
		body, err := d.MarshalSDP()
		if err != nil {
			continue
		}
		w.Write(body)
		w.Write([]byte("\r\n"))
	}
}

func logStatus(manager *aes67.Manager) {
	attrs := []any{
		"channels", len(manager.Channels()),
		"discovered", len(manager.DiscoveredSessions()),
	}
	if engine := manager.PTP(); engine != nil {
		st := engine.Status()
		attrs = append(attrs,
			"ptp_state", st.State,
			"master", st.IsMaster,
			"synced", st.IsSynced,
			"offset", st.Offset.Duration(),
			"delay", st.Delay.Duration(),
			"grandmaster", st.Grandmaster.String())
	}
	slog.Info("состояние", attrs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
