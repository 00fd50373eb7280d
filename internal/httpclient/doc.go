// Package httpclient builds the HTTP client and requests the http backend uses to post
// batches to a collector.
//
// Use [NewRequestBuilder] to validate the collector endpoint and headers once:
//
//	builder, err := httpclient.NewRequestBuilder(cfg.Backend.HTTP)
//	if err != nil {
//		return err
//	}
//	req, err := builder.Build(ctx, payload)
//
// The [NewClient] function creates a client with connection reuse and an overall
// timeout that bounds each submission:
//
//	client := httpclient.NewClient(10 * time.Second)
//	resp, err := client.Do(req)
package httpclient
