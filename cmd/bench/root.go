package bench

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dLog/cmd/util"
	"github.com/ValentinKolb/dLog/rpc/client"
	"github.com/ValentinKolb/dLog/rpc/common"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcClient *client.Client

	// BenchCmd represents the benchmark command
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Benchmark tool for dLog clusters",
		PreRunE: processBenchConfig,
		RunE:    run,
	}

	benchKeyPrefix        = "__bench"
	benchLargeValueSizeKB = 100
	benchNumThreads       = 10
	benchKeySpread        = 100
	benchOps              = 5000
	benchSkip             = make([]string, 0)
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common client flags to the command
	util.SetupClientFlags(BenchCmd)

	// add flags
	key := "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	BenchCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	BenchCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	BenchCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "ops"
	BenchCmd.Flags().Int(key, 5000, util.WrapString("How many operations to run per benchmark phase"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	benchLargeValueSizeKB = viper.GetInt("large-value-size")
	benchKeySpread = viper.GetInt("keys")
	benchNumThreads = viper.GetInt("threads")
	benchOps = viper.GetInt("ops")
	if skip := viper.GetString("skip"); skip != "" {
		benchSkip = strings.Split(skip, ",")
	}

	// Create the store client
	var err error
	rpcClient, err = client.New(*util.GetClientConfig())
	return err
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	fmt.Println("Benchmark tool for dLog clusters")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", benchNumThreads)
	fmt.Printf("Operations per phase: %d\n", benchOps)
	fmt.Println()

	fmt.Println("starting benchmark...")

	// Create results map
	results := make(map[string]metrics.Timer)

	// set
	setTimer := metrics.NewTimer()
	if !shouldSkip("set") {
		getKey, iter := getKeys("set")

		runPhase("set", setTimer, func(counter int) error {
			return rpcClient.Set(ctx, getKey(counter), []byte("test"))
		})

		// cleanup
		iter(func(k string) {
			if err := rpcClient.Delete(ctx, k); err != nil {
				log.Printf("(set) - error deleting key: %v\n", err)
			}
		})
	}
	results["set"] = setTimer
	printResult("set", setTimer)

	// set-large
	setLargeTimer := metrics.NewTimer()
	if !shouldSkip("set-large") {
		// prepare large value
		largeValue := make([]byte, benchLargeValueSizeKB*1024)

		getKey, iter := getKeys("set-large")

		runPhase("set-large", setLargeTimer, func(counter int) error {
			return rpcClient.Set(ctx, getKey(counter), largeValue)
		})

		// cleanup
		iter(func(k string) {
			if err := rpcClient.Delete(ctx, k); err != nil {
				log.Printf("(set-large) - error deleting key: %v\n", err)
			}
		})
	}
	results["set-large"] = setLargeTimer
	printResult("set-large", setLargeTimer)

	// get
	getTimer := metrics.NewTimer()
	if !shouldSkip("get") {
		getKey, iter := getKeys("get")

		// set keys
		iter(func(k string) {
			if err := rpcClient.Set(ctx, k, []byte("test")); err != nil {
				log.Printf("(get) - error setting key: %v\n", err)
			}
		})

		runPhase("get", getTimer, func(counter int) error {
			_, _, err := rpcClient.Get(ctx, getKey(counter))
			return err
		})

		// cleanup
		iter(func(k string) {
			if err := rpcClient.Delete(ctx, k); err != nil {
				log.Printf("(get) - error deleting key: %v\n", err)
			}
		})
	}
	results["get"] = getTimer
	printResult("get", getTimer)

	// delete
	deleteTimer := metrics.NewTimer()
	if !shouldSkip("delete") {
		getKey, iter := getKeys("delete")

		// set keys
		iter(func(k string) {
			if err := rpcClient.Set(ctx, k, []byte("test")); err != nil {
				log.Printf("(delete) - error setting key: %v\n", err)
			}
		})

		runPhase("delete", deleteTimer, func(counter int) error {
			return rpcClient.Delete(ctx, getKey(counter))
		})

		// cleanup
		iter(func(k string) {
			if err := rpcClient.Delete(ctx, k); err != nil {
				log.Printf("(delete) - error deleting key: %v\n", err)
			}
		})
	}
	results["delete"] = deleteTimer
	printResult("delete", deleteTimer)

	// has
	hasTimer := metrics.NewTimer()
	if !shouldSkip("has") {
		getKey, iter := getKeys("has")

		// set keys
		iter(func(k string) {
			if err := rpcClient.Set(ctx, k, []byte("test")); err != nil {
				log.Printf("(has) - error setting key: %v\n", err)
			}
		})

		runPhase("has", hasTimer, func(counter int) error {
			_, err := rpcClient.Has(ctx, getKey(counter))
			return err
		})

		// cleanup
		iter(func(k string) {
			if err := rpcClient.Delete(ctx, k); err != nil {
				log.Printf("(has) - error deleting key: %v\n", err)
			}
		})
	}
	results["has"] = hasTimer
	printResult("has", hasTimer)

	// has-not
	hasNotTimer := metrics.NewTimer()
	if !shouldSkip("has-not") {
		runPhase("has-not", hasNotTimer, func(counter int) error {
			key := fmt.Sprintf("%s/has-not-%d", benchKeyPrefix, counter%100)
			_, err := rpcClient.Has(ctx, key)
			return err
		})
	}
	results["has-not"] = hasNotTimer
	printResult("has-not", hasNotTimer)

	// mixed
	mixedTimer := metrics.NewTimer()
	if !shouldSkip("mixed") {
		getKey, iter := getKeys("mixed")

		// set keys
		iter(func(k string) {
			if err := rpcClient.Set(ctx, k, []byte("test")); err != nil {
				log.Printf("(mixed) - error setting key: %v\n", err)
			}
		})

		runPhase("mixed", mixedTimer, func(counter int) error {
			key := getKey(counter)
			switch counter % 4 {
			case 0: // set
				return rpcClient.Set(ctx, key, []byte("test"))
			case 1: // get
				_, _, err := rpcClient.Get(ctx, key)
				return err
			case 2: // delete
				return rpcClient.Delete(ctx, key)
			default: // has
				_, err := rpcClient.Has(ctx, key)
				return err
			}
		})

		// cleanup
		iter(func(k string) {
			if err := rpcClient.Delete(ctx, k); err != nil {
				log.Printf("(mixed) - error deleting key: %v\n", err)
			}
		})
	}
	results["mixed"] = mixedTimer
	printResult("mixed", mixedTimer)

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// runPhase spreads the configured operation count over the worker threads
// and records every call in the timer
func runPhase(name string, timer metrics.Timer, fn func(counter int) error) {
	perThread := benchOps / benchNumThreads
	if perThread == 0 {
		perThread = 1
	}

	var wg sync.WaitGroup
	for t := 0; t < benchNumThreads; t++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for i := 0; i < perThread; i++ {
				start := time.Now()
				if err := fn(offset + i); err != nil {
					log.Printf("(%s) - operation failed: %v\n", name, err)
				}
				timer.UpdateSince(start)
			}
		}(t * perThread)
	}
	wg.Wait()
}

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range benchSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, benchKeySpread)
	for i := 0; i < benchKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", benchKeyPrefix, prefix, i)
	}

	// Function to get a key by index (with wraparound)
	getKey := func(i int) string {
		return keys[i%benchKeySpread]
	}

	// Function to iterate over all keys and apply a function to each
	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// printResult prints the result of a benchmark phase in a formatted way
func printResult(test string, timer metrics.Timer) {
	if timer.Count() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	mean := math.Max(timer.Mean(), 1) // prevent division by zero
	opsPerSec := 1.0 / (mean / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\tp99 %s\t%.0f ops/sec\n",
		test, mean, time.Duration(mean), time.Duration(timer.Percentile(0.99)), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]metrics.Timer, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "Ops", "MeanNsPerOp", "DurationPerOp", "P50", "P99", "OpsPerSec", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, timer := range results {
		var mean float64
		var opsPerSec float64
		var skipped string

		if timer.Count() == 0 {
			skipped = "true"
		} else {
			skipped = "false"
			mean = math.Max(timer.Mean(), 1)
			opsPerSec = 1.0 / (mean / 1e9)
		}

		percentiles := timer.Percentiles([]float64{0.5, 0.99})

		row := []string{
			test,
			strconv.FormatInt(timer.Count(), 10),
			fmt.Sprintf("%.0f", mean),
			time.Duration(mean).String(),
			time.Duration(percentiles[0]).String(),
			time.Duration(percentiles[1]).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.Join(config.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			strconv.Itoa(benchNumThreads),
			strconv.Itoa(benchLargeValueSizeKB),
			strconv.Itoa(benchKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
