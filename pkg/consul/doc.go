// Package consul stores owner and peer records in Consul KV and provides
// session based leader election. It is compiled with the consul build tag.
package consul
