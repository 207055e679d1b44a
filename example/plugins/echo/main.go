// Echo is a minimal scanner candidate. Build it with
//
//	go build -buildmode=plugin -o echo.so ./example/plugins/echo
//
// and point `plugin-scanner scan --path` at the output directory.
package main

// PluginInfo describes the plugin to the scanner.
var PluginInfo = map[string]string{
	"name":         "echo",
	"description":  "Passes buffers through unchanged",
	"version":      "1.0.0",
	"license":      "MIT",
	"source":       "pluginscan-examples",
	"package":      "pluginscan example plugins",
	"origin":       "https://github.com/snowmerak/pluginscan",
	"release_date": "2025-06-01",
}

// PluginFeatures lists what the plugin provides, one map per feature.
var PluginFeatures = []map[string]string{
	{"name": "echo", "kind": "element", "rank": "0", "klass": "Filter/Generic"},
	{"name": "echosrc", "kind": "element", "rank": "64", "klass": "Source/Generic"},
}

func main() {}
