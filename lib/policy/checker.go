package policy

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"regexp"
	"slices"
	"strings"

	"github.com/TecharoHQ/challengegate/internal"
	"github.com/TecharoHQ/challengegate/lib/policy/checker"
	"github.com/gaissmai/bart"
)

var (
	ErrMisconfiguration = errors.New("[unexpected] policy: administrator misconfiguration")
)

type RemoteAddrChecker struct {
	table *bart.Table[struct{}]
	hash  string
}

func NewRemoteAddrChecker(cidrs []string) (checker.Impl, error) {
	table := &bart.Table[struct{}]{}
	var sb strings.Builder

	for _, cidr := range cidrs {
		pfx, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("%w: range %s not parsing: %w", ErrMisconfiguration, cidr, err)
		}

		table.Insert(pfx.Masked(), struct{}{})
		fmt.Fprintln(&sb, cidr)
	}

	return &RemoteAddrChecker{
		table: table,
		hash:  internal.SHA256sum(sb.String()),
	}, nil
}

func (rac *RemoteAddrChecker) Check(r *http.Request) (bool, error) {
	host := r.Header.Get("X-Real-Ip")
	if host == "" {
		return false, fmt.Errorf("%w: header X-Real-Ip is not set", ErrMisconfiguration)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false, fmt.Errorf("%w: %s is not an IP address", ErrMisconfiguration, host)
	}

	return rac.table.Contains(addr.Unmap()), nil
}

func (rac *RemoteAddrChecker) Hash() string {
	return rac.hash
}

type HeaderMatchesChecker struct {
	header string
	regexp *regexp.Regexp
	hash   string
}

func NewHeaderMatchesChecker(header, rexStr string) (checker.Impl, error) {
	rex, err := regexp.Compile(strings.TrimSpace(rexStr))
	if err != nil {
		return nil, fmt.Errorf("%w: regex %s failed parse: %w", ErrMisconfiguration, rexStr, err)
	}
	return &HeaderMatchesChecker{strings.TrimSpace(header), rex, internal.SHA256sum(header + ": " + rexStr)}, nil
}

func (hmc *HeaderMatchesChecker) Check(r *http.Request) (bool, error) {
	return hmc.regexp.MatchString(r.Header.Get(hmc.header)), nil
}

func (hmc *HeaderMatchesChecker) Hash() string {
	return hmc.hash
}

type PathChecker struct {
	regexp *regexp.Regexp
	hash   string
}

func NewPathChecker(rexStr string) (checker.Impl, error) {
	rex, err := regexp.Compile(strings.TrimSpace(rexStr))
	if err != nil {
		return nil, fmt.Errorf("%w: regex %s failed parse: %w", ErrMisconfiguration, rexStr, err)
	}
	return &PathChecker{rex, internal.SHA256sum(rexStr)}, nil
}

func (pc *PathChecker) Check(r *http.Request) (bool, error) {
	return pc.regexp.MatchString(r.URL.Path), nil
}

func (pc *PathChecker) Hash() string {
	return pc.hash
}

type MethodChecker struct {
	methods []string
	hash    string
}

func NewMethodChecker(methods []string) checker.Impl {
	result := make([]string, 0, len(methods))
	for _, m := range methods {
		result = append(result, strings.ToUpper(strings.TrimSpace(m)))
	}
	slices.Sort(result)

	return &MethodChecker{result, internal.SHA256sum(strings.Join(result, ","))}
}

func (mc *MethodChecker) Check(r *http.Request) (bool, error) {
	_, ok := slices.BinarySearch(mc.methods, r.Method)
	return ok, nil
}

func (mc *MethodChecker) Hash() string {
	return mc.hash
}

type headerExistsChecker struct {
	header string
}

func (hec headerExistsChecker) Check(r *http.Request) (bool, error) {
	return r.Header.Get(hec.header) != "", nil
}

func (hec headerExistsChecker) Hash() string {
	return internal.SHA256sum(hec.header)
}

// NewHeadersChecker matches when every header matches its regex. ".*" only
// requires the header to be present.
func NewHeadersChecker(headermap map[string]string) (checker.Impl, error) {
	var result checker.All
	var errs []error

	keys := make([]string, 0, len(headermap))
	for key := range headermap {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		rexStr := headermap[key]
		if rexStr == ".*" {
			result = append(result, headerExistsChecker{strings.TrimSpace(key)})
			continue
		}

		rex, err := regexp.Compile(strings.TrimSpace(rexStr))
		if err != nil {
			errs = append(errs, fmt.Errorf("while compiling header %s regex %s: %w", key, rexStr, err))
			continue
		}

		result = append(result, &HeaderMatchesChecker{key, rex, internal.SHA256sum(key + ": " + rexStr)})
	}

	if len(errs) != 0 {
		return nil, errors.Join(errs...)
	}

	return result, nil
}
