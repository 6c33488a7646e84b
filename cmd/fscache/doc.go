// Command fscache reads and writes objects on local disk, in memory or in
// S3 through the fscache caching layers.
//
// URLs take the form scheme://location/path. Schemeless paths are local
// files; s3://bucket/key addresses an S3 object. Prefixing a URL with
// filecache:: routes that read through the persistent cache.
//
// Configuration is layered: built-in defaults, then the YAML file named by
// --config, then FSCACHE_* environment variables, then flags.
//
// Example usage:
//
//	fscache --cache-dir /tmp/fscache cat filecache::s3://bucket/data.csv
//	fscache cat -r 0:1024 -r 4096:512 s3://bucket/data.bin
//	fscache put --from ./report.pdf s3://bucket/reports/report.pdf
//	fscache stat s3://bucket/reports/report.pdf
//	fscache --cache-dir /tmp/fscache clear-cache --scope persistent
//	fscache serve-metrics --metrics-addr 127.0.0.1:9100
package main
