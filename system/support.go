package system

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ============================================================

func GetLocalIPs() ([]net.IP, error) {
	var IPs []net.IP
	var ip net.IP
	ifaces, _ := net.Interfaces()
outer:
	for _, i := range ifaces {
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagRunning == 0 {
			continue
		}
		addrs, _ := i.Addrs()
		for _, addr := range addrs {
			if v, ok := addr.(*net.IPNet); ok {
				ip = v.IP
				if ip.To4() != nil && ip.IsPrivate() {
					IPs = append(IPs, ip)
					continue outer
				}
			}
		}
	}
	if len(IPs) == 0 {
		return nil, errors.New("no valid IPv4 found")
	}
	return IPs, nil
}

func GetLocalIPv4() net.IP {
	serverIPs, err := GetLocalIPs()
	if err != nil {
		return nil
	}
	return serverIPs[0]
}

// UsefulAddresses returns the unicast addresses worth offering as ICE
// host candidates: interfaces up and running, loopback and link-local
// excluded unless includeAll is set. IPv4 and IPv6 both accepted.
func UsefulAddresses(includeAll bool) []net.IP {
	var out []net.IP
	ifaces, _ := net.Interfaces()
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagRunning == 0 {
			continue
		}
		if !includeAll && ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := ifc.Addrs()
		for _, addr := range addrs {
			v, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := v.IP
			if !includeAll && (ip.IsLoopback() || ip.IsLinkLocalUnicast()) {
				continue
			}
			out = append(out, ip)
		}
	}
	return out
}

func StartListeningUDP(ip net.IP, prt int) (*net.UDPConn, error) {
	if ip == nil {
		return nil, errors.New("nil IP address")
	}
	return net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: prt})
}

func TestListeningTCP(ip net.IP, prt int) error {
	if ip == nil {
		return errors.New("nil IP address")
	}
	lstnr, err := net.ListenTCP("tcp", &net.TCPAddr{IP: ip, Port: prt})
	if err != nil {
		return err
	}
	lstnr.Close()
	return nil
}

func GetUDPAddrFromConn(conn *net.UDPConn) *net.UDPAddr {
	return conn.LocalAddr().(*net.UDPAddr)
}

func GetUDPortFromConn(conn *net.UDPConn) int {
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func BuildUDPAddr(ip string, prt int) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(ip, fmt.Sprintf("%d", prt)))
}

func AreUAddrsEqual(addr1, addr2 *net.UDPAddr) bool {
	if addr1 == nil || addr2 == nil {
		return addr1 == addr2
	}
	return addr1.IP.Equal(addr2.IP) && addr1.Port == addr2.Port && addr1.Zone == addr2.Zone
}

// =============================================================

func GetNextIndex(pdu []byte, markstrng string) int {
	markBytes := []byte(markstrng)
	for i := 0; i <= len(pdu)-len(markBytes); i++ {
		k := 0
		for k < len(markBytes) {
			if pdu[i+k] != markBytes[k] {
				goto nextloop
			}
			k++
		}
		return i
	nextloop:
	}
	return -1
}

// GetNextIndexFold is GetNextIndex with ASCII case folding on the
// haystack; the mark must be given in lower case.
func GetNextIndexFold(pdu []byte, markstrng string) int {
	markBytes := []byte(markstrng)
	for i := 0; i <= len(pdu)-len(markBytes); i++ {
		k := 0
		for k < len(markBytes) {
			c := pdu[i+k]
			if c >= 'A' && c <= 'Z' {
				c += 'a' - 'A'
			}
			if c != markBytes[k] {
				goto nextloop
			}
			k++
		}
		return i
	nextloop:
	}
	return -1
}

// =============================================================

func Str2IntDefaultMinMax[T int | int8 | int16 | int32 | int64](s string, d, min, max T) (T, bool) {
	out, ok := Str2IntCheck[T](s)
	if ok {
		if out < min || out > max {
			return d, false
		}
		return out, true
	}
	return d, false
}

func Str2IntCheck[T int | int8 | int16 | int32 | int64](s string) (T, bool) {
	var out T
	if len(s) == 0 {
		return out, false
	}
	idx := 0
	isN := s[idx] == '-'
	if isN {
		idx++
		if len(s) == 1 {
			return out, false
		}
	} else if s[idx] == '+' {
		idx++
	}
	for i := idx; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return out, false
		}
		out = out*10 + T(s[i]-'0')
	}
	if isN {
		out = -out
	}
	return out, true
}

func Str2Int[T int | int8 | int16 | int32 | int64](s string) T {
	out, _ := Str2IntCheck[T](s)
	return out
}

func Str2UintCheck[T uint | uint8 | uint16 | uint32 | uint64](s string) (T, bool) {
	var out T
	if len(s) == 0 {
		return out, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return out, false
		}
		out = out*10 + T(s[i]-'0')
	}
	return out, true
}

func Str2Uint[T uint | uint8 | uint16 | uint32 | uint64](s string) T {
	out, _ := Str2UintCheck[T](s)
	return out
}

// =============================================================

func ASCIIToLower(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func ASCIIToUpper(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func EqualsFold(a, b string) bool {
	return ASCIIToLower(a) == ASCIIToLower(b)
}

// =============================================================

func Any[T any](items []*T, predict func(*T) bool) bool {
	for _, item := range items {
		if predict(item) {
			return true
		}
	}
	return false
}

func Find[T any](items []*T, predict func(*T) bool) *T {
	for _, item := range items {
		if predict(item) {
			return item
		}
	}
	return nil
}

func Filter[T any](items []*T, predict func(*T) bool) []*T {
	var out []*T
	for _, item := range items {
		if predict(item) {
			out = append(out, item)
		}
	}
	return out
}

// =============================================================

func IsProvisional(sc int) bool {
	return 100 <= sc && sc <= 199
}

func IsFinal(sc int) bool {
	return sc >= 200
}

func IsPositive(sc int) bool {
	return 200 <= sc && sc <= 299
}

func IsNegative(sc int) bool {
	return 300 <= sc && sc <= 699
}
