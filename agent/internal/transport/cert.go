package transport

import (
	"context"
	"crypto/tls"
	"math"
	"net"
	"time"
)

// Certificate states reported by CheckCert.
const (
	CertValid       = "valid"
	CertExpiring    = "expiring"
	CertExpired     = "expired"
	CertUnreachable = "unreachable"
	CertPlaintext   = "plaintext"
)

// ExpiringWithin is the remaining lifetime below which a certificate is
// reported as expiring.
const ExpiringWithin = 30 * 24 * time.Hour

// CertStatus describes the leaf certificate of a configuration server.
type CertStatus struct {
	Addr     string
	Status   string
	Issuer   string
	NotAfter time.Time
	DaysLeft int
	Err      error
}

// CheckCert dials addr with the transport's TLS settings and reports on the
// leaf certificate. A plaintext transport reports CertPlaintext without
// dialing. The dial is bounded by 10 seconds.
func (t *HTTP) CheckCert(ctx context.Context, addr string) CertStatus {
	cs := CertStatus{Addr: addr}
	if t.tls == nil {
		cs.Status = CertPlaintext
		return cs
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: t.tls.Clone()}
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		cs.Status = CertUnreachable
		cs.Err = err
		return cs
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peerCerts := conn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		cs.Status = CertUnreachable
		return cs
	}

	leaf := peerCerts[0]
	left := time.Until(leaf.NotAfter)
	cs.NotAfter = leaf.NotAfter
	cs.Issuer = leaf.Issuer.CommonName
	cs.DaysLeft = int(math.Floor(left.Hours() / 24))

	switch {
	case left <= 0:
		cs.Status = CertExpired
	case left <= ExpiringWithin:
		cs.Status = CertExpiring
	default:
		cs.Status = CertValid
	}
	return cs
}
