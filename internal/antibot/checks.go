package antibot

import (
	"context"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/wardengate/internal/proxyapi"
	"github.com/skywalker-88/wardengate/pkg/config"
	"github.com/skywalker-88/wardengate/pkg/metrics"
)

// slidingCounter backs the connection-rate check (spec.md §4.5
// "Connection rate"), same sliding-window shape l4guard uses.
type slidingCounter struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

func (s *slidingCounter) hit(now time.Time, width time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.windowStart.IsZero() || now.Sub(s.windowStart) >= width {
		s.windowStart = now
		s.count = 0
	}
	s.count++
	return s.count
}

// failure names one failed check, used for logging and for the
// composed allow/reject decision.
type failure string

const (
	failNone        failure = ""
	failRate        failure = "rate"
	failUsername    failure = "username"
	failBrand       failure = "brand"
	failHost        failure = "host"
	failLatency     failure = "latency"
)

// checkConnectionRate implements spec.md §4.5 "Connection rate".
func (c *Coordinator) checkConnectionRate(login proxyapi.PlayerLogin, cfg *config.AntiBot) failure {
	if cfg.RateLimitThreshold <= 0 {
		return failNone
	}
	v, _ := c.connAttempts.LoadOrStore(login.IP, &slidingCounter{})
	sc := v.(*slidingCounter)
	n := sc.hit(c.clock(), cfg.RateLimitWindow)
	if n > cfg.RateLimitThreshold {
		return failRate
	}
	return failNone
}

// hasSequentialRun reports whether username contains a run of n or more
// identical, or n or more strictly ascending/descending, consecutive
// characters (spec.md §4.5 "a run of sequentialCharThreshold sequential
// or identical characters").
func hasSequentialRun(username string, n int) bool {
	if n <= 0 || len(username) < n {
		return false
	}
	runes := []rune(username)

	identical, ascending, descending := 1, 1, 1
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			identical++
		} else {
			identical = 1
		}
		if runes[i] == runes[i-1]+1 {
			ascending++
		} else {
			ascending = 1
		}
		if runes[i] == runes[i-1]-1 {
			descending++
		} else {
			descending = 1
		}
		if identical >= n || ascending >= n || descending >= n {
			return true
		}
	}
	return false
}

// hasExtremeCharClassImbalance reports a username that's overwhelmingly
// digits or overwhelmingly a single character class, a common synthetic
// bot-username artifact (spec.md §4.5 "extreme character-class
// imbalance").
func hasExtremeCharClassImbalance(username string) bool {
	if len(username) < 6 {
		return false
	}
	var digits, letters int
	for _, r := range username {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsLetter(r):
			letters++
		}
	}
	total := len(username)
	return float64(digits)/float64(total) >= 0.6 || float64(letters)/float64(total) == 0
}

// checkUsername implements spec.md §4.5 "Username patterns".
func (c *Coordinator) checkUsername(username string, cfg *config.AntiBot) failure {
	for _, pat := range cfg.UsernamePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			log.Warn().Str("pattern", pat).Err(err).Msg("antibot: invalid username pattern, skipping")
			continue
		}
		if re.MatchString(username) {
			return failUsername
		}
	}
	if cfg.SequentialCharThreshold > 0 && hasSequentialRun(username, cfg.SequentialCharThreshold) {
		return failUsername
	}
	if cfg.RejectImbalancedNames && hasExtremeCharClassImbalance(username) {
		return failUsername
	}
	return failNone
}

// checkBrand implements spec.md §4.5 "Client brand".
func (c *Coordinator) checkBrand(brand string, cfg *config.AntiBot) failure {
	if len(cfg.AllowedBrands) == 0 {
		return failNone
	}
	if brand == "" {
		return failNone // brand arrives via a later plugin message; don't punish its absence at login
	}
	for _, b := range cfg.AllowedBrands {
		if strings.EqualFold(b, brand) {
			return failNone
		}
	}
	return failBrand
}

// ipExcluded reports whether ip matches one of cfg.ExcludedIPs, which
// may be bare IPs or CIDR ranges (spec.md §4.5 "CIDR-aware").
func ipExcluded(ip string, excluded []string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, e := range excluded {
		if strings.Contains(e, "/") {
			_, network, err := net.ParseCIDR(e)
			if err == nil && network.Contains(parsed) {
				return true
			}
			continue
		}
		if parsed.Equal(net.ParseIP(e)) {
			return true
		}
	}
	return false
}

// checkHost implements spec.md §4.5 "DNS/host".
func (c *Coordinator) checkHost(ctx context.Context, login proxyapi.PlayerLogin, cfg *config.AntiBot) failure {
	host := login.VirtualHost
	if host == "" {
		return failNone
	}
	// strip a trailing port, Minecraft virtual hosts don't carry one
	// but be defensive.
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	isDirectIP := net.ParseIP(host) != nil

	if isDirectIP && !cfg.AllowDirectIPConnections {
		if !ipExcluded(login.IP, cfg.ExcludedIPs) {
			return failHost
		}
	}
	if !isDirectIP && len(cfg.AllowedDomains) > 0 {
		matched := false
		for _, d := range cfg.AllowedDomains {
			if strings.EqualFold(d, host) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(d)) {
				matched = true
				break
			}
		}
		if !matched {
			return failHost
		}
	}
	if c.dns.isHostingProvider(ctx, login.IP) {
		return failHost
	}
	return failNone
}

// checkLatency implements spec.md §4.5 "Latency".
func (c *Coordinator) checkLatency(ping time.Duration, cfg *config.AntiBot) failure {
	if ping <= 0 {
		return failNone // unsampled, see DESIGN.md Open Question (b)
	}
	if ping < cfg.MinLatency || ping > cfg.MaxLatency {
		return failLatency
	}
	return failNone
}

// OnLogin implements spec.md §4.5's aggregation and §6's LoginVerdict
// contract.
func (c *Coordinator) OnLogin(ctx context.Context, login proxyapi.PlayerLogin) proxyapi.LoginVerdict {
	cfg := c.cfg.Load().AntiBot
	if !cfg.Enabled {
		return proxyapi.LoginVerdict{Action: proxyapi.LoginAllow}
	}

	existing, loaded := c.sessions.Load(login.Player)
	var sess *Session
	if loaded {
		sess = existing.(*Session)
		sess.mu.Lock()
		if cfg.CheckOnlyFirstJoin && sess.State == Verified {
			sess.mu.Unlock()
			return proxyapi.LoginVerdict{Action: proxyapi.LoginAllow}
		}
		sess.mu.Unlock()
	} else {
		sess = &Session{
			Player:    login.Player,
			IP:        login.IP,
			State:     New,
			FirstSeen: c.clock(),
		}
		c.sessions.Store(login.Player, sess)
		metrics.AntiBotSessions.WithLabelValues(New.String()).Inc()
	}

	sess.mu.Lock()
	from := sess.State
	sess.State = Checking
	sess.mu.Unlock()
	c.gaugeTransition(from, Checking)

	failed := 0
	checks := []failure{
		c.checkConnectionRate(login, &cfg),
		c.checkUsername(login.Username, &cfg),
		c.checkBrand(login.Brand, &cfg),
		c.checkHost(ctx, login, &cfg),
		c.checkLatency(login.Ping, &cfg),
	}
	for _, f := range checks {
		if f != failNone {
			failed++
			log.Info().Str("player", login.Player.String()).Str("ip", login.IP).Str("check", string(f)).Msg("antibot: check failed")
		}
	}

	sess.mu.Lock()
	sess.FailedChecks += failed
	total := sess.FailedChecks
	sess.mu.Unlock()

	if total >= cfg.KickThreshold {
		c.transition(sess, Bot)
		metrics.VerificationOutcomes.WithLabelValues("kicked_pre_verification").Inc()
		c.sessions.Delete(login.Player)
		return proxyapi.LoginVerdict{Action: proxyapi.LoginKick, Message: cfg.KickMessage}
	}

	if total > 0 {
		c.transition(sess, Suspicious)
	}

	if c.miniWorld != nil {
		deadline := c.clock().Add(cfg.Verification.Duration)
		sess.mu.Lock()
		sess.Deadline = deadline
		sess.mu.Unlock()
		if c.miniWorld.Enter(login.Player, login.ProtocolVersion, deadline) {
			return proxyapi.LoginVerdict{Action: proxyapi.LoginEnterVerification}
		}
		// The world failed to start (write failure) — fail closed per
		// spec.md §4.6 "Failure semantics".
		c.transition(sess, Bot)
		c.sessions.Delete(login.Player)
		return proxyapi.LoginVerdict{Action: proxyapi.LoginKick, Message: cfg.KickMessage}
	}

	c.transition(sess, Verified)
	return proxyapi.LoginVerdict{Action: proxyapi.LoginAllow}
}

func (c *Coordinator) transition(sess *Session, to State) {
	sess.mu.Lock()
	from := sess.State
	sess.State = to
	sess.mu.Unlock()
	c.gaugeTransition(from, to)
}

// MarkVerified implements the Verifier interface VirtualVerificationWorld
// calls back through once a player passes the mini-world check
// (spec.md §9, §4.6 "PASS").
func (c *Coordinator) MarkVerified(player uuid.UUID) {
	v, ok := c.sessions.Load(player)
	if !ok {
		return
	}
	sess := v.(*Session)
	c.transition(sess, Verified)
	metrics.VerificationOutcomes.WithLabelValues("passed").Inc()
	if c.downstream != nil {
		ip := sess.IP
		if err := c.downstream.TransferToDestination(player, ""); err != nil {
			log.Debug().Str("player", player.String()).Str("ip", ip).Err(err).Msg("antibot: transfer after verification failed")
		}
	}
}

// Kick implements the Verifier interface's failure path (spec.md §4.6
// "FAIL"): the mini-world detected a bot pattern or the deadline
// elapsed without a PASS.
func (c *Coordinator) Kick(player uuid.UUID, reason string) {
	v, ok := c.sessions.Load(player)
	if ok {
		sess := v.(*Session)
		c.transition(sess, Bot)
		c.sessions.Delete(player)
	}
	metrics.VerificationOutcomes.WithLabelValues("failed").Inc()
	if c.downstream != nil {
		if err := c.downstream.Disconnect(player, reason); err != nil {
			log.Debug().Str("player", player.String()).Err(err).Msg("antibot: disconnect after verification failure failed")
		}
	}
}

// Snapshot is the status-reporter view of spec.md §4.5.
type Snapshot struct {
	TrackedSessions int
}

func (c *Coordinator) Snapshot() Snapshot {
	n := 0
	c.sessions.Range(func(_, _ any) bool { n++; return true })
	return Snapshot{TrackedSessions: n}
}

// Sweep evicts sessions whose verification deadline passed more than
// 5s ago, whatever their state (verified sessions included), bounded
// per call like the other stages' janitors.
func (c *Coordinator) Sweep(maxEvictions int) {
	now := c.clock()
	evicted := 0
	c.sessions.Range(func(k, v any) bool {
		if evicted >= maxEvictions {
			return false
		}
		sess := v.(*Session)
		sess.mu.Lock()
		stale := !sess.Deadline.IsZero() && now.After(sess.Deadline.Add(5*time.Second))
		sess.mu.Unlock()
		if stale {
			if c.sessions.CompareAndDelete(k, v) {
				evicted++
			}
		}
		return true
	})
}
