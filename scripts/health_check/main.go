package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"whale-core/pkg/config"
	"whale-core/pkg/db"
	"whale-core/pkg/exchanges/hyperliquid"
)

// health_check checks the pieces a running whale-core depends on.
//
// Usage:
//
//	go run ./scripts/health_check [--json]
//
// Exits 1 when any check is UNHEALTHY.

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	fmt.Println("whale-core health check")
	fmt.Println("=======================")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{Overall: "HEALTHY"}

	cfg, cfgStatus := checkConfig(ctx)
	report.Services = append(report.Services, cfgStatus)
	if cfg != nil {
		report.Services = append(report.Services,
			checkDatabase(cfg),
			checkAtRest(cfg),
			checkExchange(ctx, cfg),
			checkAPIServer(ctx, cfg),
		)
	}

	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" {
			report.Overall = "DEGRADED"
		}
	}

	fmt.Println()
	for _, svc := range report.Services {
		icon := "✓"
		if svc.Status == "UNHEALTHY" {
			icon = "✗"
		} else if svc.Status == "DEGRADED" {
			icon = "⚠"
		}
		fmt.Printf("%s %-16s %-9s %s\n", icon, svc.Service, svc.Status, svc.Message)
	}
	fmt.Printf("\nOverall Status: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	}
	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func newStatus(service string) HealthStatus {
	return HealthStatus{Service: service, Status: "HEALTHY", Timestamp: time.Now()}
}

func checkConfig(ctx context.Context) (*config.Config, HealthStatus) {
	status := newStatus("Configuration")

	cfg, err := config.Load()
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("load failed: %v", err)
		return nil, status
	}
	secrets, err := cfg.ResolveMasterSecrets(ctx, nil)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("master secret: %v", err)
		return cfg, status
	}
	status.Message = fmt.Sprintf("master key versions=%d dry_run=%v", len(secrets), cfg.DryRun)
	return cfg, status
}

func checkDatabase(cfg *config.Config) HealthStatus {
	status := newStatus("Database")

	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("open failed: %v", err)
		return status
	}
	defer database.Close()

	if err := database.DB.Ping(); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("ping failed: %v", err)
		return status
	}
	missing, err := db.CheckSchema(database)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("schema check failed: %v", err)
		return status
	}
	if len(missing) > 0 {
		status.Status = "DEGRADED"
		status.Message = "missing columns: " + strings.Join(missing, ", ")
		return status
	}
	status.Message = cfg.DBPath
	return status
}

// checkAtRest warns when the database does not sit on an encrypted volume.
// Keys are sealed by the vault, but tracked addresses and trade history are
// plain rows.
func checkAtRest(cfg *config.Config) HealthStatus {
	status := newStatus("Data at rest")

	switch {
	case cfg.DBPath == ":memory:":
		status.Message = "in-memory database"
		return status
	case cfg.DBVolumeEncrypted:
		status.Message = "volume declared encrypted (DB_VOLUME_ENCRYPTED)"
		return status
	}
	path, err := filepath.Abs(cfg.DBPath)
	if err != nil {
		path = cfg.DBPath
	}
	if f, err := os.Open("/proc/mounts"); err == nil {
		dev, ok := encryptedMount(f, path)
		f.Close()
		if ok {
			status.Message = "on encrypted volume " + dev
			return status
		}
	}
	status.Status = "DEGRADED"
	status.Message = "database volume not known to be encrypted; use an encrypted volume or set DB_VOLUME_ENCRYPTED=true"
	return status
}

// encryptedMount finds the mount holding path in a /proc/mounts listing and
// reports whether it is a dm-crypt mapping or a stacked encrypting
// filesystem.
func encryptedMount(mounts io.Reader, path string) (string, bool) {
	var bestDev, bestFS, bestDir string
	sc := bufio.NewScanner(mounts)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		dev, dir, fs := fields[0], fields[1], fields[2]
		if !underMount(path, dir) || len(dir) < len(bestDir) {
			continue
		}
		bestDev, bestDir, bestFS = dev, dir, fs
	}
	if bestDir == "" {
		return "", false
	}
	encrypted := strings.HasPrefix(bestDev, "/dev/mapper/") ||
		strings.HasPrefix(bestDev, "/dev/dm-") ||
		bestFS == "ecryptfs" ||
		strings.HasPrefix(bestFS, "fuse.gocryptfs")
	return bestDev, encrypted
}

func underMount(path, dir string) bool {
	if dir == "/" {
		return true
	}
	return path == dir || strings.HasPrefix(path, dir+"/")
}

func checkExchange(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Hyperliquid API")

	client := hyperliquid.NewClient(hyperliquid.Config{
		BaseURL: cfg.ExchangeBaseURL,
		Testnet: cfg.Testnet,
		Timeout: cfg.ExchangeTimeout,
	}, nil)
	mid, err := client.GetPrice(ctx, "BTC")
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("price query failed: %v", err)
		return status
	}

	network := "MAINNET"
	if cfg.Testnet {
		network = "TESTNET"
	}
	status.Message = fmt.Sprintf("%s BTC mid=%s", network, mid)
	return status
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("API Server")

	host, port, err := net.SplitHostPort(cfg.HTTPAddr)
	if err != nil {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("bad HTTP_ADDR %q", cfg.HTTPAddr)
		return status
	}
	if host == "" {
		host = "localhost"
	}
	url := fmt.Sprintf("http://%s/health", net.JoinHostPort(host, port))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return status
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}
	status.Message = "running at " + url
	return status
}
