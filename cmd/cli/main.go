// Command cli runs secure k-NN queries and checks them against plaintext k-NN.
//
// Usage:
//
//	cli -mode local                      # all three parties in this process
//	cli -mode remote -dataset data.csv   # against running owner and provider
//	cli -mode generate -dataset data.csv # write a random dataset
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	secureknn "github.com/opaque/secureknn"
	"github.com/opaque/secureknn/internal/config"
	"github.com/opaque/secureknn/pkg/client"
	"github.com/opaque/secureknn/pkg/dataset"
	"github.com/opaque/secureknn/pkg/linalg"
	"github.com/opaque/secureknn/pkg/protocol"
)

var (
	configPath  = flag.String("config", "", "YAML config file (optional)")
	mode        = flag.String("mode", "local", "local, remote or generate")
	datasetPath = flag.String("dataset", "", "Dataset CSV (remote and generate modes)")
	queryFlag   = flag.String("query", "", "Comma-separated query, e.g. 3,-1,4 (default: random)")
	maxK        = flag.Int("k", 5, "Run k = 1..k")
	numRows     = flag.Int("rows", 200, "Rows to generate")
	dim         = flag.Int("dim", 8, "Dimension of generated rows")
	space       = flag.Int64("space", 100, "Generated coordinates lie in [-space, space)")
	upload      = flag.Bool("upload", false, "Ask the owner to upload its dataset first (remote mode)")
	verbose     = flag.Bool("v", false, "Print every neighbour")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log, err := cfg.Log.NewLogger()
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}

	sampler, err := linalg.NewSampler(nil, "cli")
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	switch *mode {
	case "generate":
		if *datasetPath == "" {
			log.Fatal("-dataset is required")
		}
		rows := dataset.Generate(sampler, *numRows, *dim, *space)
		if err := dataset.SaveCSV(*datasetPath, rows); err != nil {
			log.Fatalf("Failed to write dataset: %v", err)
		}
		fmt.Printf("Wrote %d rows of dimension %d to %s\n", len(rows), *dim, *datasetPath)
		return

	case "local":
		rows := dataset.Generate(sampler, *numRows, *dim, *space)
		l, err := secureknn.NewLocal(secureknn.Config{Scheme: cfg.Scheme, Log: log})
		if err != nil {
			log.Fatal(err)
		}
		defer l.Close()

		start := time.Now()
		if err := l.Load(ctx, rows); err != nil {
			log.Fatalf("Failed to load database: %v", err)
		}
		fmt.Printf("Encrypted and uploaded %d rows of dimension %d in %v\n\n", len(rows), *dim, time.Since(start))
		run(ctx, l.Client, rows, queryFor(sampler, rows, log), log)

	case "remote":
		if *datasetPath == "" {
			log.Fatal("-dataset is required to check answers")
		}
		rows, err := dataset.LoadCSV(*datasetPath)
		if err != nil {
			log.Fatalf("Failed to read dataset: %v", err)
		}

		remoteCfg := client.DefaultRemoteConfig(cfg.Client.OwnerURL)
		remoteCfg.HTTPTimeout = cfg.Client.Timeout
		owner := client.NewOwnerHTTP(remoteCfg)

		var provider protocol.Provider
		if cfg.Client.ProviderGRPC != "" {
			conn, err := grpc.NewClient(cfg.Client.ProviderGRPC, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				log.Fatalf("Failed to dial provider: %v", err)
			}
			defer conn.Close()
			provider = client.NewProviderGRPC(conn)
		} else {
			providerCfg := client.DefaultRemoteConfig(cfg.Client.ProviderURL)
			providerCfg.HTTPTimeout = cfg.Client.Timeout
			provider = client.NewProviderHTTP(providerCfg)
		}

		if *upload {
			if err := owner.UploadDatabase(ctx); err != nil {
				log.Fatalf("Failed to upload database: %v", err)
			}
		}

		user, err := client.New(cfg.Scheme, owner, provider, nil)
		if err != nil {
			log.Fatal(err)
		}
		run(ctx, user, rows, queryFor(sampler, rows, log), log)

	default:
		log.Fatalf("Unknown mode %q", *mode)
	}
}

func queryFor(s *linalg.Sampler, rows [][]int64, log logrus.FieldLogger) []int64 {
	if *queryFlag == "" {
		if len(rows) == 0 {
			log.Fatal("Dataset is empty")
		}
		return dataset.Generate(s, 1, len(rows[0]), *space)[0]
	}

	var query []int64
	for _, field := range strings.Split(*queryFlag, ",") {
		v, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
		if err != nil {
			log.Fatalf("Invalid query coordinate %q: %v", field, err)
		}
		query = append(query, v)
	}
	return query
}

func run(ctx context.Context, s secureknn.Searcher, rows [][]int64, query []int64, log logrus.FieldLogger) {
	ks := make([]int, 0, *maxK)
	for k := 1; k <= *maxK; k++ {
		ks = append(ks, k)
	}

	fmt.Printf("Query: %v\n", query)
	report, err := secureknn.Compare(ctx, s, rows, query, ks)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	for _, r := range report.Runs {
		status := "OK"
		if !r.Match {
			status = "MISMATCH"
		}
		fmt.Printf("  k=%-3d %-8s %v\n", r.K, status, r.Latency.Round(time.Microsecond))
		if *verbose || !r.Match {
			for i := range r.Got {
				fmt.Printf("      secure %v (d²=%d)   plain %v (d²=%d)\n",
					r.Got[i], dataset.SquaredDistance(query, r.Got[i]),
					r.Want[i], dataset.SquaredDistance(query, r.Want[i]))
			}
		}
	}

	fmt.Printf("\nLatency: mean %v, median %v, p95 %v, stddev %v\n",
		report.Mean.Round(time.Microsecond), report.Median.Round(time.Microsecond),
		report.P95.Round(time.Microsecond), report.StdDev.Round(time.Microsecond))
	if !report.OK() {
		fmt.Printf("%d of %d runs disagreed with plaintext k-NN\n", report.Mismatches, len(report.Runs))
		os.Exit(1)
	}
	fmt.Println("All runs match plaintext k-NN")
}
