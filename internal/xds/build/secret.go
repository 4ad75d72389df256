package build

import (
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	tlsv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"

	"github.com/flowplane/flowplane/internal/flowerr"
	"github.com/flowplane/flowplane/internal/model"
)

// ToWireSecret translates a Secret entity into its SDS wire resource,
// resolving any referenced ciphertext/external-KV material through the
// Context's SDS delegate (spec.md §4.3, §6). Session ticket key arrays
// are encoded as-is; each element is fixed at 80 bytes.
func ToWireSecret(s *model.Secret, team string, ctx Context) (*tlsv3.Secret, error) {
	const op = "build.ToWireSecret"

	out := &tlsv3.Secret{Name: s.Name}

	switch s.Kind {
	case model.SecretGeneric:
		material, err := ctx.SecretMaterial(team, s.Generic)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.WireEncoding, op, s.Name, err)
		}
		out.Type = &tlsv3.Secret_GenericSecret{
			GenericSecret: &tlsv3.GenericSecret{Secret: inlineDataSource(material)},
		}

	case model.SecretTLSCertificate:
		chain, err := ctx.SecretMaterial(team, s.CertChain)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.WireEncoding, op, s.Name, err)
		}
		key, err := ctx.SecretMaterial(team, s.PrivateKey)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.WireEncoding, op, s.Name, err)
		}
		out.Type = &tlsv3.Secret_TlsCertificate{
			TlsCertificate: &tlsv3.TlsCertificate{
				CertificateChain: inlineDataSource(chain),
				PrivateKey:       inlineDataSource(key),
			},
		}

	case model.SecretValidationContext:
		ca, err := ctx.SecretMaterial(team, s.ValidationCA)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.WireEncoding, op, s.Name, err)
		}
		out.Type = &tlsv3.Secret_ValidationContext{
			ValidationContext: &tlsv3.CertificateValidationContext{
				TrustedCa: inlineDataSource(ca),
			},
		}

	case model.SecretSessionTicketKeys:
		keys := make([][]byte, len(s.SessionTicketKeys))
		for i, k := range s.SessionTicketKeys {
			b := make([]byte, len(k))
			copy(b, k[:])
			keys[i] = b
		}
		stek := &tlsv3.TlsSessionTicketKeys{}
		for _, k := range keys {
			stek.Keys = append(stek.Keys, inlineDataSource(k))
		}
		out.Type = &tlsv3.Secret_SessionTicketKeys{SessionTicketKeys: stek}

	default:
		return nil, flowerr.New(flowerr.WireEncoding, op, s.Name, "unrecognized secret kind")
	}

	return out, nil
}

func inlineDataSource(b []byte) *corev3.DataSource {
	return &corev3.DataSource{Specifier: &corev3.DataSource_InlineBytes{InlineBytes: b}}
}
