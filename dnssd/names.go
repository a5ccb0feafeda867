package dnssd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
	otbr "github.com/threadbr/go-otbr"
)

// EscapeLabel escapes a single label so that it can be embedded into a
// presentation format domain name.
func EscapeLabel(label string) string {
	var sb strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c == '.' || c == '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case c < ' ' || c == 0x7f:
			_, _ = fmt.Fprintf(&sb, "\\%03d", c)
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

// UnescapeLabel reverses EscapeLabel, it also understands \DDD sequences.
func UnescapeLabel(label string) string {
	if !strings.ContainsRune(label, '\\') {
		return label
	}

	var sb strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c != '\\' || i+1 >= len(label) {
			sb.WriteByte(c)
			continue
		}

		if i+3 < len(label) && isDigit(label[i+1]) && isDigit(label[i+2]) && isDigit(label[i+3]) {
			v := int(label[i+1]-'0')*100 + int(label[i+2]-'0')*10 + int(label[i+3]-'0')
			if v <= 0xff {
				sb.WriteByte(byte(v))
				i += 3
				continue
			}
		}

		sb.WriteByte(label[i+1])
		i++
	}

	return sb.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// ConstructFullName builds "<instance>.<regType>.<domain>." with the
// instance label escaped. An empty instance yields the service type name.
func ConstructFullName(instance, regType, domain string) string {
	if domain == "" {
		domain = LocalDomain
	}

	name := dns.Fqdn(strings.TrimSuffix(regType, ".") + "." + strings.TrimSuffix(domain, "."))
	if instance == "" {
		return name
	}

	return EscapeLabel(instance) + "." + name
}

// SplitFullServiceInstanceName splits "<instance>.<_service>.<_proto>.<domain>"
// into its parts. The instance comes back unescaped, the domain always ends
// with a dot.
func SplitFullServiceInstanceName(fullName string) (instance, regType, domain string, err error) {
	labels := dns.SplitDomainName(fullName)
	if len(labels) < 4 {
		return "", "", "", fmt.Errorf("invalid service instance name %q: %w", fullName, otbr.ErrInvalidArgs)
	}

	return UnescapeLabel(labels[0]), labels[1] + "." + labels[2], strings.Join(labels[3:], ".") + ".", nil
}

// SplitFullHostName splits "<host>.<domain>" into its parts.
func SplitFullHostName(fullName string) (host, domain string, err error) {
	labels := dns.SplitDomainName(fullName)
	if len(labels) < 2 {
		return "", "", fmt.Errorf("invalid host name %q: %w", fullName, otbr.ErrInvalidArgs)
	}

	return UnescapeLabel(labels[0]), strings.Join(labels[1:], ".") + ".", nil
}

// MakeRegType appends the subtypes to the base type as expected by Register:
// "_type._proto,_sub1,_sub2". Subtypes are sorted so that the result does
// not depend on input order.
func MakeRegType(serviceType string, subTypes []string) string {
	if len(subTypes) == 0 {
		return serviceType
	}

	sorted := append([]string(nil), subTypes...)
	sort.Strings(sorted)
	return serviceType + "," + strings.Join(sorted, ",")
}

// SplitRegType is the inverse of MakeRegType.
func SplitRegType(regType string) (serviceType string, subTypes []string) {
	parts := strings.Split(regType, ",")
	serviceType = parts[0]
	for _, p := range parts[1:] {
		if p != "" {
			subTypes = append(subTypes, p)
		}
	}

	return serviceType, subTypes
}

// NameEqual compares two domain names case insensitively, ignoring a
// trailing dot.
func NameEqual(a, b string) bool {
	return strings.EqualFold(dns.Fqdn(a), dns.Fqdn(b))
}
