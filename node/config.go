package node

import (
	"github.com/securesocketfunneling/ssf-sub003/config"
	"github.com/securesocketfunneling/ssf-sub003/layer/tlslayer"
	"github.com/securesocketfunneling/ssf-sub003/proxy"
)

// TLSParamsFromConfig resolves the ssf.tls.* block into the TLS layer's
// parameter set, preferring a file path and falling back to the inline
// buffer for each material.
func TLSParamsFromConfig(t config.TLS) tlslayer.Params {
	return tlslayer.Params{
		CACert:      material(t.CACertPath, t.CACertBuf),
		Cert:        material(t.CertPath, t.CertBuf),
		Key:         material(t.KeyPath, t.KeyBuf),
		KeyPassword: t.KeyPassword,
		CipherAlg:   t.CipherAlg,
	}
}

func material(path, buf string) tlslayer.Material {
	if path != "" {
		return tlslayer.Material{Source: tlslayer.SourceFile, Value: path}
	}
	return tlslayer.Material{Source: tlslayer.SourceBuffer, Value: buf}
}

// ProxyContextFromConfig builds the upstream traversal chain from the
// ssf.http_proxy / ssf.socks_proxy blocks. Both may be configured at once;
// the HTTP hop is traversed first. Returns nil when neither is set.
func ProxyContextFromConfig(ssf config.SSF) *proxy.Context {
	var hops []proxy.Hop
	if ssf.HTTPProxy.Host != "" {
		hops = append(hops, proxy.Hop{
			Kind:     proxy.KindHTTPConnect,
			Host:     ssf.HTTPProxy.Host,
			Port:     ssf.HTTPProxy.Port,
			Username: ssf.HTTPProxy.Credentials.Username,
			Password: ssf.HTTPProxy.Credentials.Password,
		})
	}
	if ssf.SOCKSProxy.Host != "" {
		kind := proxy.KindSocks5
		if ssf.SOCKSProxy.Version == 4 {
			kind = proxy.KindSocks4
		}
		hops = append(hops, proxy.Hop{Kind: kind, Host: ssf.SOCKSProxy.Host, Port: ssf.SOCKSProxy.Port})
	}
	if len(hops) == 0 {
		return nil
	}
	return &proxy.Context{Hops: hops}
}

// TLSMaterialPaths lists the on-disk TLS files worth watching for
// rotation; inline buffers have no path to watch.
func TLSMaterialPaths(t config.TLS) []string {
	return []string{t.CACertPath, t.CertPath, t.KeyPath, t.DHPath}
}
