package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdotk/safemonk/internal/loadtest"
)

var serverProcess *os.Process

func main() {
	var (
		serverURL        = flag.String("server-url", "http://localhost:18080", "safemonk server URL")
		duration         = flag.Duration("duration", 30*time.Second, "Test duration")
		workers          = flag.Int("workers", 5, "Number of worker goroutines")
		qps              = flag.Int("qps", 25, "Create-and-burn cycles per second per worker")
		secretSize       = flag.Int64("secret-size", 4*1024, "Ciphertext size in bytes per cycle")
		baselineDir      = flag.String("baseline-dir", "testdata/baselines", "Directory for baseline files")
		threshold        = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		prometheusURL    = flag.String("prometheus-url", "", "Prometheus URL for additional metrics")
		verbose          = flag.Bool("verbose", false, "Enable verbose logging")
		updateBaseline   = flag.Bool("update-baseline", false, "Update baseline files instead of checking regression")
		manageMinIO      = flag.Bool("manage-minio", false, "Automatically start/stop MinIO test environment")
		minioComposeFile = flag.String("minio-compose", "docker-compose.yml", "Path to MinIO docker-compose file")
		serverConfig     = flag.String("server-config", "test/server-config-minio.yaml", "Path to server config file for MinIO tests")
	)

	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *manageMinIO {
		if err := startMinIOEnvironment(*minioComposeFile, logger); err != nil {
			log.Fatalf("Failed to start MinIO environment: %v", err)
		}
		defer func() {
			logger.Info("cleaning up MinIO")
			stopMinIOEnvironment(*minioComposeFile, logger)
		}()

		if err := startServer(*serverConfig, logger); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
		defer func() {
			logger.Info("cleaning up server")
			stopServer(logger)
		}()

		go func() {
			<-sigChan
			logger.Info("received interrupt signal, cleaning up")
			stopServer(logger)
			stopMinIOEnvironment(*minioComposeFile, logger)
			os.Exit(1)
		}()
	}

	if err := os.MkdirAll(*baselineDir, 0755); err != nil {
		log.Fatalf("Failed to create baseline directory: %v", err)
	}

	fmt.Println("=== safemonk Load Test Runner ===")
	fmt.Printf("Server URL: %s\n", *serverURL)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("QPS per Worker: %d\n", *qps)
	fmt.Printf("Regression Threshold: %.1f%%\n", *threshold)
	if *prometheusURL != "" {
		fmt.Printf("Prometheus URL: %s\n", *prometheusURL)
	}
	fmt.Println()

	cfg := loadtest.Config{
		BaseURL:             *serverURL,
		NumWorkers:          *workers,
		Duration:            *duration,
		QPS:                 *qps,
		SecretSize:          *secretSize,
		BaselineFile:        filepath.Join(*baselineDir, "create_burn_baseline.json"),
		RegressionThreshold: *threshold,
	}

	startTime := time.Now()
	exitCode := runCreateBurnTest(cfg, *prometheusURL, *updateBaseline, logger)
	fmt.Printf("=== Load Test Complete (Total Time: %v) ===\n", time.Since(startTime))

	if exitCode != 0 {
		fmt.Println("Some tests failed or regressions detected")
		os.Exit(exitCode)
	}
	fmt.Println("All tests passed")
}

func runCreateBurnTest(cfg loadtest.Config, prometheusURL string, updateBaseline bool, logger *logrus.Logger) int {
	fmt.Println("--- Running Create-and-Burn Load Test ---")

	var promStart time.Time
	if prometheusURL != "" {
		promStart = time.Now()
	}

	results, err := loadtest.Run(cfg, logger)
	if err != nil {
		log.Printf("load test failed: %v", err)
		return 1
	}
	loadtest.PrintResults(results)

	if prometheusURL != "" {
		promMetrics, err := loadtest.QueryPrometheusMetrics(prometheusURL, promStart, time.Now())
		if err != nil {
			logger.WithError(err).Warn("failed to query Prometheus metrics")
		} else {
			fmt.Println("--- Prometheus Metrics ---")
			for metric, value := range promMetrics {
				fmt.Printf("%s: %v\n", metric, value)
			}
			fmt.Println()
		}
	}

	if updateBaseline {
		if err := loadtest.WriteBaseline(results, cfg.BaselineFile); err != nil {
			log.Printf("failed to write baseline: %v", err)
			return 1
		}
		fmt.Println("baseline updated for create-and-burn load test")
		return 0
	}

	regression, err := loadtest.AnalyzeRegression(results, cfg.BaselineFile, cfg.RegressionThreshold)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no baseline found - run with --update-baseline to create one")
			return 0
		}
		log.Printf("regression analysis failed: %v", err)
		return 1
	}
	loadtest.PrintRegressionResult(regression)

	if regression.SignificantRegression {
		log.Println("significant regression detected in create-and-burn load test")
		return 1
	}
	fmt.Println("create-and-burn load test passed")
	return 0
}

// startMinIOEnvironment starts the MinIO test environment using docker-compose.
func startMinIOEnvironment(composeFile string, logger *logrus.Logger) error {
	logger.WithField("compose_file", composeFile).Info("starting MinIO test environment")

	if _, err := os.Stat(composeFile); os.IsNotExist(err) {
		return fmt.Errorf("docker-compose file not found: %s", composeFile)
	}

	composeDir := filepath.Dir(composeFile)
	composeFileName := filepath.Base(composeFile)

	stopCmd := exec.Command("docker-compose", "-f", composeFileName, "down", "-v")
	stopCmd.Dir = composeDir
	if err := stopCmd.Run(); err != nil {
		logger.WithError(err).Warn("failed to stop existing MinIO containers (usually OK)")
	}

	startCmd := exec.Command("docker-compose", "-f", composeFileName, "up", "-d")
	startCmd.Dir = composeDir
	if output, err := startCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to start MinIO environment: %v\nOutput: %s", err, string(output))
	}

	if err := waitForMinIOHealthy(composeDir, composeFileName, logger); err != nil {
		return fmt.Errorf("MinIO failed to become healthy: %v", err)
	}

	logger.Info("MinIO test environment is ready")
	return nil
}

// stopMinIOEnvironment stops the MinIO test environment using docker-compose.
func stopMinIOEnvironment(composeFile string, logger *logrus.Logger) error {
	logger.Info("cleaning up MinIO test environment")

	if _, err := os.Stat(composeFile); os.IsNotExist(err) {
		logger.Warn("docker-compose file not found, assuming environment already stopped")
		return nil
	}

	composeDir := filepath.Dir(composeFile)
	composeFileName := filepath.Base(composeFile)

	var stopCmd *exec.Cmd
	if hasDockerCompose() {
		stopCmd = exec.Command("docker-compose", "-f", composeFileName, "down", "-v")
	} else if hasDocker() {
		stopCmd = exec.Command("docker", "compose", "-f", composeFileName, "down", "-v")
	} else {
		return fmt.Errorf("neither docker-compose nor docker compose available")
	}
	stopCmd.Dir = composeDir

	if output, err := stopCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to stop MinIO environment: %v\nOutput: %s", err, string(output))
	}

	logger.Info("MinIO test environment stopped and cleaned up")
	return nil
}

func hasDockerCompose() bool {
	_, err := exec.LookPath("docker-compose")
	return err == nil
}

func hasDocker() bool {
	_, err := exec.LookPath("docker")
	return err == nil
}

// waitForMinIOHealthy waits for MinIO to be ready and healthy.
func waitForMinIOHealthy(composeDir, composeFile string, logger *logrus.Logger) error {
	const maxRetries = 30
	for attempt := 0; attempt < maxRetries; attempt++ {
		psCmd := exec.Command("docker-compose", "-f", composeFile, "ps", "minio")
		psCmd.Dir = composeDir
		output, err := psCmd.Output()
		if err != nil {
			logger.WithError(err).Debug("failed to check MinIO container status")
		} else if !bytes.Contains(output, []byte("Up")) {
			logger.Debug("MinIO container is not running yet")
		} else if checkHealthEndpoint("http://localhost:9000/minio/health/live") {
			logger.Info("MinIO is healthy and ready")
			return nil
		}
		logger.WithField("attempt", attempt+1).WithField("max", maxRetries).Debug("waiting for MinIO to be ready")
		time.Sleep(5 * time.Second)
	}
	return fmt.Errorf("MinIO did not become healthy within %d attempts", maxRetries)
}

func checkHealthEndpoint(url string) bool {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// startServer starts the safemonk server binary with the given config file.
// It does not build the binary; if bin/safemonk-server is missing it returns
// an error.
func startServer(configFile string, logger *logrus.Logger) error {
	logger.WithField("config_file", configFile).Info("starting safemonk server")

	projectRoot := ".."
	serverBinary := filepath.Join(projectRoot, "bin", "safemonk-server")
	if absPath, err := filepath.Abs(serverBinary); err == nil {
		serverBinary = absPath
	}

	if _, err := os.Stat(serverBinary); os.IsNotExist(err) {
		return fmt.Errorf("server binary not found at %s; build it with go build -o bin/safemonk-server ./cmd/server", serverBinary)
	}

	configPath := filepath.Join(projectRoot, configFile)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("server config file not found: %s", configPath)
	}

	cmd := exec.Command(serverBinary, "-config", configFile)
	cmd.Env = os.Environ()
	cmd.Dir = projectRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start server: %v", err)
	}
	serverProcess = cmd.Process

	if err := waitForServerReady(logger); err != nil {
		serverProcess.Kill()
		serverProcess.Wait()
		serverProcess = nil
		return fmt.Errorf("server failed to become ready: %v", err)
	}

	logger.Info("safemonk server is ready")
	return nil
}

// stopServer stops the safemonk server, escalating to SIGKILL if it doesn't
// exit within 10 seconds of SIGTERM.
func stopServer(logger *logrus.Logger) error {
	if serverProcess == nil {
		return nil
	}

	if err := serverProcess.Signal(syscall.SIGTERM); err != nil {
		if killErr := serverProcess.Kill(); killErr != nil {
			return fmt.Errorf("failed to kill server process: %v", killErr)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := serverProcess.Wait()
		done <- err
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("server didn't exit within timeout, forcing kill")
		if err := serverProcess.Kill(); err != nil {
			return fmt.Errorf("failed to force kill server process: %v", err)
		}
		<-done
	}

	serverProcess = nil
	logger.Info("safemonk server stopped")
	return nil
}

func waitForServerReady(logger *logrus.Logger) error {
	const maxRetries = 30
	for attempt := 0; attempt < maxRetries; attempt++ {
		if checkHealthEndpoint("http://localhost:18080/health") {
			logger.Info("server is healthy and ready")
			return nil
		}
		logger.WithField("attempt", attempt+1).WithField("max", maxRetries).Debug("waiting for server to be ready")
		time.Sleep(2 * time.Second)
	}
	return fmt.Errorf("server did not become ready within %d attempts", maxRetries)
}
