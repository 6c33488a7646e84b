/*
Package metrics exports fscache statistics to Prometheus and serves them,
together with a few debug views, over HTTP.

A Collector owns a private prometheus.Registry. Operation counters and
histograms are recorded as calls happen:

	start := time.Now()
	data, err := fs.Cat(ctx, url)
	collector.RecordOperation("cat", time.Since(start), int64(len(data)), err)

Cache and backend statistics are read at scrape time from watched sources,
so nothing has to push them:

	collector.WatchStore(store)      // persistent cache
	collector.WatchHandles(fs)       // in-memory caches of open handles
	collector.WatchBackend(name, b)  // S3 request counters and breaker state

# Endpoints

Router returns a chi router with:

	GET /metrics            Prometheus exposition
	GET /health             liveness
	GET /debug/stats        JSON Snapshot of every watched source
	GET /debug/operations   per-operation table

Start serves the router on Config.Addr; Stop shuts it down.
*/
package metrics
