package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile string
	Serve      bool
	MqttMode   bool
	HttpPort   int
	Probe      string
	RenderScan string
	OutputFile string
	Radius     float64
	Catalog    string
}

// Runner is implemented by App; tests substitute a mock
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunService() error
	RunProbe(pose string) error
	RunRenderScan(pose string) error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("sightline", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.Serve, "serve", false, "Run the HTTP service")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Also consume pose streams from MQTT (implies --serve)")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default from config, 4040)")
	fs.StringVar(&opts.Probe, "probe", "", "Identify the building ahead of LAT,LNG,HEADING[,DEPTH] and exit")
	fs.StringVar(&opts.RenderScan, "render-scan", "", "Render the scan around LAT,LNG,HEADING and exit")
	fs.StringVar(&opts.OutputFile, "output", "scan.svg", "Output file for --render-scan (.svg or .png)")
	fs.Float64Var(&opts.Radius, "radius", 0, "Search radius in meters for --render-scan (default 200)")
	fs.StringVar(&opts.Catalog, "catalog", "", "GeoJSON building catalog, overrides index.catalogPath")

	if err := fs.Parse(args); err != nil {
		return err
	}
	app.ApplyOptions(opts)

	fmt.Fprintf(out, "sightline version: %s\n", Version)

	switch {
	case opts.Probe != "":
		return app.RunProbe(opts.Probe)
	case opts.RenderScan != "":
		return app.RunRenderScan(opts.RenderScan)
	case opts.Serve || opts.MqttMode:
		fmt.Fprintln(out, "sightline service starting...")
		return app.RunService()
	}

	fmt.Fprintln(out, "Nothing to do. Try one of:")
	fmt.Fprintln(out, "  sightline --serve                       run the HTTP service")
	fmt.Fprintln(out, "  sightline --serve --mqtt                also consume MQTT pose streams")
	fmt.Fprintln(out, "  sightline --probe 37.5665,126.978,90    identify the building ahead")
	fmt.Fprintln(out, "  sightline --render-scan 37.5665,126.978,90 --output scan.png")
	return nil
}
