//go:build test_unit

package mdns

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/suite"
	otbr "github.com/threadbr/go-otbr"
	"github.com/threadbr/go-otbr/dnssd"
	"github.com/threadbr/go-otbr/dnssd/dnssdtest"
	"github.com/threadbr/go-otbr/mainloop"
	"golang.org/x/exp/rand"
	"golang.org/x/exp/slices"
)

type result struct {
	calls int
	err   error
}

func (r *result) cb(err error) {
	r.calls++
	r.err = err
}

type discoveryEvent struct {
	kind        string
	serviceType string
	name        string
	ifIndex     uint32
	code        dnssd.ErrorCode
	instance    DiscoveredInstanceInfo
	host        DiscoveredHostInfo
}

type recordingObserver struct {
	events []discoveryEvent
}

func (o *recordingObserver) OnServiceResolved(serviceType string, info DiscoveredInstanceInfo) {
	o.events = append(o.events, discoveryEvent{kind: "resolved", serviceType: serviceType, name: info.Name, instance: info})
}

func (o *recordingObserver) OnServiceRemoved(netifIndex uint32, serviceType, instanceName string) {
	o.events = append(o.events, discoveryEvent{kind: "removed", serviceType: serviceType, name: instanceName, ifIndex: netifIndex})
}

func (o *recordingObserver) OnServiceResolveFailed(serviceType, instanceName string, code dnssd.ErrorCode) {
	o.events = append(o.events, discoveryEvent{kind: "resolve_failed", serviceType: serviceType, name: instanceName, code: code})
}

func (o *recordingObserver) OnHostResolved(hostName string, info DiscoveredHostInfo) {
	o.events = append(o.events, discoveryEvent{kind: "host_resolved", name: hostName, host: info})
}

func (o *recordingObserver) OnHostResolveFailed(hostName string, code dnssd.ErrorCode) {
	o.events = append(o.events, discoveryEvent{kind: "host_failed", name: hostName, code: code})
}

type recordingMetrics struct {
	registrations map[string]int
	failures      map[string]int
	resolutions   []dnssd.ErrorCode
	hosts         []dnssd.ErrorCode
	reconnects    int
}

func (m *recordingMetrics) RegistrationDone(kind string, err error) {
	if err != nil {
		m.failures[kind]++
	} else {
		m.registrations[kind]++
	}
}

func (m *recordingMetrics) ServiceResolution(_ time.Duration, code dnssd.ErrorCode) {
	m.resolutions = append(m.resolutions, code)
}

func (m *recordingMetrics) HostResolution(_ time.Duration, code dnssd.ErrorCode) {
	m.hosts = append(m.hosts, code)
}

func (m *recordingMetrics) Reconnected() {
	m.reconnects++
}

type PublisherInternalSuite struct {
	suite.Suite

	fake     *dnssdtest.Fake
	pub      *Publisher
	states   []State
	observer *recordingObserver
	metrics  *recordingMetrics
}

func (suite *PublisherInternalSuite) SetupTest() {
	suite.fake = dnssdtest.New()
	suite.states = nil
	suite.observer = &recordingObserver{}
	suite.metrics = &recordingMetrics{registrations: map[string]int{}, failures: map[string]int{}}

	suite.pub = New(&otbr.NullLogger{}, suite.fake, func(s State) { suite.states = append(suite.states, s) })
	suite.pub.SetMetrics(suite.metrics)
	suite.pub.AddDiscoveryObserver(suite.observer)
	suite.Require().NoError(suite.pub.Start())
}

// process runs mainloop iterations until no queued reply is left.
func (suite *PublisherInternalSuite) process() {
	for i := 0; i < 64; i++ {
		fds := suite.fake.ReadyFds()
		if len(fds) == 0 {
			return
		}

		watched := mainloop.NewContext(time.Second)
		suite.pub.Update(watched)

		ready := mainloop.NewContext(time.Second)
		for _, fd := range fds {
			suite.Require().True(watched.IsReadable(fd), "descriptor %d not watched", fd)
			ready.AddFdToReadSet(fd)
		}

		suite.pub.Process(ready)
	}

	suite.FailNow("replies keep coming")
}

func (suite *PublisherInternalSuite) hostRecords(fullName string) []*dnssdtest.Record {
	var out []*dnssdtest.Record
	for _, rec := range suite.fake.Records() {
		if rec.FullName == fullName && rec.RRType == dns.TypeAAAA {
			out = append(out, rec)
		}
	}

	return out
}

func (suite *PublisherInternalSuite) logCount(prefix string) int {
	var n int
	for _, line := range suite.fake.Log {
		if strings.HasPrefix(line, prefix+" ") || line == prefix {
			n++
		}
	}

	return n
}

func addrs(s ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(s))
	for _, a := range s {
		out = append(out, netip.MustParseAddr(a))
	}

	return out
}

func (suite *PublisherInternalSuite) TestStartAnnouncesReady() {
	suite.Equal([]State{StateReady}, suite.states)
	suite.True(suite.pub.IsStarted())
	suite.Equal(StateReady, suite.pub.State())

	// not idempotent
	suite.Require().NoError(suite.pub.Start())
	suite.Equal([]State{StateReady, StateReady}, suite.states)
}

func (suite *PublisherInternalSuite) TestRequestsRequireReady() {
	suite.pub.Stop()
	suite.Equal([]State{StateReady, StateIdle}, suite.states)

	var results [6]result
	suite.pub.PublishService("", "srv", "_test._udp", nil, 1, nil, results[0].cb)
	suite.pub.PublishHost("h", addrs("2001:db8::1"), results[1].cb)
	suite.pub.PublishKey("k", []byte{1}, results[2].cb)
	suite.pub.UnpublishService("srv", "_test._udp", results[3].cb)
	suite.pub.UnpublishHost("h", results[4].cb)
	suite.pub.UnpublishKey("k", results[5].cb)

	for i, r := range results {
		suite.Equal(1, r.calls, "request %d", i)
		suite.ErrorIs(r.err, otbr.ErrInvalidState, "request %d", i)
	}

	suite.Empty(suite.fake.Log)

	// stopping twice is a no-op
	suite.pub.Stop()
	suite.Equal([]State{StateReady, StateIdle}, suite.states)
}

func (suite *PublisherInternalSuite) TestServiceRegisterRequest() {
	var r result
	suite.pub.PublishService("host1", "inst1", "_test._udp", []string{"_b", "_a"}, 1234, []byte("txt"), r.cb)

	ref := suite.fake.Find(dnssdtest.OpRegister, "inst1")
	suite.Require().NotNil(ref)
	suite.Equal(dnssd.FlagsNoAutoRename, ref.Flags)
	suite.Equal(dnssd.InterfaceIndexAny, ref.IfIndex)
	suite.Equal("_test._udp,_a,_b", ref.RegType)
	suite.Equal("host1.local.", ref.Host)
	suite.EqualValues(1234, ref.Port)
	suite.Equal([]byte("txt"), ref.Txt)

	// services never need the shared connection
	suite.Empty(suite.fake.Live(dnssdtest.OpConnection))

	ref.ReplyRegister(dnssd.FlagsAdd, dnssd.NoError)
	suite.process()

	suite.Equal(1, r.calls)
	suite.NoError(r.err)
	suite.Equal(1, suite.metrics.registrations["service"])
}

func (suite *PublisherInternalSuite) TestServiceWithoutHostUsesLocalHost() {
	var r result
	suite.pub.PublishService("", "inst1", "_test._udp", nil, 1, nil, r.cb)

	ref := suite.fake.Find(dnssdtest.OpRegister, "inst1")
	suite.Require().NotNil(ref)
	suite.Empty(ref.Host)
}

func (suite *PublisherInternalSuite) TestServiceDedupJoinsPending() {
	var first, second, third result
	suite.pub.PublishService("", "srv", "_test._udp", []string{"_x", "_y"}, 1, []byte{0}, first.cb)
	suite.pub.PublishService("", "SRV", "_test._udp.", []string{"_y", "_x"}, 1, []byte{0}, second.cb)

	suite.Equal(1, suite.logCount(dnssdtest.OpRegister))
	suite.Zero(first.calls)
	suite.Zero(second.calls)

	suite.fake.Find(dnssdtest.OpRegister, "srv").ReplyRegister(dnssd.FlagsAdd, dnssd.NoError)
	suite.process()

	suite.Equal(1, first.calls)
	suite.NoError(first.err)
	suite.Equal(1, second.calls)
	suite.NoError(second.err)

	// completed registrations answer immediately
	suite.pub.PublishService("", "srv", "_test._udp", []string{"_x", "_y"}, 1, []byte{0}, third.cb)
	suite.Equal(1, third.calls)
	suite.NoError(third.err)
	suite.Equal(1, suite.logCount(dnssdtest.OpRegister))
}

func (suite *PublisherInternalSuite) TestServiceDedupReplacesDifferentContent() {
	var first, second result
	suite.pub.PublishService("", "srv", "_test._udp", nil, 1, nil, first.cb)
	old := suite.fake.Find(dnssdtest.OpRegister, "srv")
	suite.Require().NotNil(old)

	suite.pub.PublishService("", "srv", "_test._udp", nil, 2, nil, second.cb)

	suite.Equal(1, first.calls)
	suite.ErrorIs(first.err, otbr.ErrAborted)
	suite.True(old.Deallocated)
	suite.Zero(second.calls)

	ref := suite.fake.Find(dnssdtest.OpRegister, "srv")
	suite.Require().NotNil(ref)
	suite.EqualValues(2, ref.Port)
	suite.Len(suite.fake.Live(dnssdtest.OpRegister), 1)
}

func (suite *PublisherInternalSuite) TestServiceCompletesOnce() {
	var r result
	suite.pub.PublishService("", "srv", "_test._udp", nil, 1, nil, r.cb)

	ref := suite.fake.Find(dnssdtest.OpRegister, "srv")
	ref.ReplyRegister(dnssd.FlagsAdd, dnssd.NoError)
	ref.ReplyRegister(dnssd.FlagsAdd, dnssd.NoError)
	suite.process()

	suite.Equal(1, r.calls)
	suite.NoError(r.err)
	suite.False(ref.Deallocated)
}

func (suite *PublisherInternalSuite) TestServiceNameConflict() {
	var r result
	suite.pub.PublishService("", "srv", "_test._udp", nil, 1, nil, r.cb)

	ref := suite.fake.Find(dnssdtest.OpRegister, "srv")
	ref.ReplyRegister(0, dnssd.ErrNameConflict)
	suite.process()

	suite.Equal(1, r.calls)
	suite.ErrorIs(r.err, otbr.ErrDuplicated)
	suite.ErrorIs(r.err, dnssd.ErrNameConflict)
	suite.True(ref.Deallocated)
	suite.Equal(1, suite.metrics.failures["service"])

	// the registration is gone, publishing again issues a new request
	var again result
	suite.pub.PublishService("", "srv", "_test._udp", nil, 1, nil, again.cb)
	suite.Equal(2, suite.logCount(dnssdtest.OpRegister))
	suite.Zero(again.calls)
}

func (suite *PublisherInternalSuite) TestServiceWithdrawnWithoutAdd() {
	var r result
	suite.pub.PublishService("", "srv", "_test._udp", nil, 1, nil, r.cb)

	suite.fake.Find(dnssdtest.OpRegister, "srv").ReplyRegister(0, dnssd.NoError)
	suite.process()

	suite.Equal(1, r.calls)
	suite.ErrorIs(r.err, otbr.ErrDuplicated)
}

func (suite *PublisherInternalSuite) TestServiceSyncFailure() {
	suite.fake.FailNext(dnssdtest.OpRegister, dnssd.ErrBadParam)

	var r result
	suite.pub.PublishService("", "srv", "_test._udp", nil, 1, nil, r.cb)
	suite.Equal(1, r.calls)
	suite.ErrorIs(r.err, otbr.ErrInvalidArgs)

	var again result
	suite.pub.PublishService("", "srv", "_test._udp", nil, 1, nil, again.cb)
	suite.Zero(again.calls)
	suite.NotNil(suite.fake.Find(dnssdtest.OpRegister, "srv"))
}

func (suite *PublisherInternalSuite) TestUnpublishService() {
	var pub, unpub, absent result
	suite.pub.PublishService("", "srv", "_test._udp", nil, 1, nil, pub.cb)
	ref := suite.fake.Find(dnssdtest.OpRegister, "srv")

	suite.pub.UnpublishService("srv", "_test._udp", unpub.cb)
	suite.Equal(1, pub.calls)
	suite.ErrorIs(pub.err, otbr.ErrAborted)
	suite.Equal(1, unpub.calls)
	suite.NoError(unpub.err)
	suite.True(ref.Deallocated)

	suite.pub.UnpublishService("srv", "_test._udp", absent.cb)
	suite.Equal(1, absent.calls)
	suite.NoError(absent.err)
}

func (suite *PublisherInternalSuite) TestHostRecords() {
	var r result
	suite.pub.PublishHost("h", addrs("2001:db8::2", "2001:db8::1", "2001:db8::2"), r.cb)

	conns := suite.fake.Live(dnssdtest.OpConnection)
	suite.Require().Len(conns, 1)

	recs := suite.hostRecords("h.local.")
	suite.Require().Len(recs, 2)
	for _, rec := range recs {
		suite.Same(conns[0], rec.Owner)
		suite.Equal(dnssd.FlagsShared, rec.Flags)
		suite.EqualValues(dns.ClassINET, rec.RRClass)
		suite.Zero(rec.TTL)
	}
	suite.Equal(netip.MustParseAddr("2001:db8::1").AsSlice(), recs[0].RData)
	suite.Equal(netip.MustParseAddr("2001:db8::2").AsSlice(), recs[1].RData)

	recs[0].Reply(dnssd.NoError)
	suite.process()
	suite.Zero(r.calls)

	recs[1].Reply(dnssd.NoError)
	suite.process()
	suite.Equal(1, r.calls)
	suite.NoError(r.err)
}

func (suite *PublisherInternalSuite) TestHostCompletesRegardlessOfReplyOrder() {
	hostAddrs := addrs("2001:db8::1", "2001:db8::2", "2001:db8::3", "2001:db8::4", "2001:db8::5", "2001:db8::6")

	var r result
	suite.pub.PublishHost("h", hostAddrs, r.cb)

	recs := suite.hostRecords("h.local.")
	suite.Require().Len(recs, len(hostAddrs))

	rand.Shuffle(len(recs), func(i, j int) { recs[i], recs[j] = recs[j], recs[i] })
	for i, rec := range recs {
		rec.Reply(dnssd.NoError)
		suite.process()

		if i < len(recs)-1 {
			suite.Zero(r.calls)
		}
	}

	suite.Equal(1, r.calls)
	suite.NoError(r.err)
}

func (suite *PublisherInternalSuite) TestHostAnyFailureRemovesEverything() {
	var r result
	suite.pub.PublishHost("h", addrs("2001:db8::1", "2001:db8::2", "2001:db8::3"), r.cb)

	recs := suite.hostRecords("h.local.")
	suite.Require().Len(recs, 3)

	recs[0].Reply(dnssd.NoError)
	recs[1].Reply(dnssd.ErrNameConflict)
	recs[2].Reply(dnssd.NoError)
	suite.process()

	suite.Equal(1, r.calls)
	suite.ErrorIs(r.err, otbr.ErrDuplicated)
	for _, rec := range recs {
		suite.True(rec.Removed)
		suite.Empty(rec.Updates)
	}
}

func (suite *PublisherInternalSuite) TestHostValidation() {
	var v4, empty result
	suite.pub.PublishHost("h", addrs("2001:db8::1", "10.0.0.1"), v4.cb)
	suite.Equal(1, v4.calls)
	suite.ErrorIs(v4.err, otbr.ErrInvalidArgs)

	suite.pub.PublishHost("h", nil, empty.cb)
	suite.Equal(1, empty.calls)
	suite.NoError(empty.err)

	suite.Empty(suite.fake.Log)
}

func (suite *PublisherInternalSuite) TestHostPartialIssueFailure() {
	suite.fake.FailAfter(dnssdtest.OpRegisterRecord, 1, dnssd.ErrBadParam)

	var r result
	suite.pub.PublishHost("h", addrs("2001:db8::1", "2001:db8::2", "2001:db8::3"), r.cb)

	suite.Equal(1, r.calls)
	suite.ErrorIs(r.err, otbr.ErrInvalidArgs)

	recs := suite.hostRecords("h.local.")
	suite.Require().Len(recs, 1)
	suite.True(recs[0].Removed)

	// the connection was created for this host only
	suite.Empty(suite.fake.Live(dnssdtest.OpConnection))
}

func (suite *PublisherInternalSuite) TestHostConnectionFailure() {
	suite.fake.FailNext(dnssdtest.OpConnection, dnssd.ErrServiceNotRunning)

	var r result
	suite.pub.PublishHost("h", addrs("2001:db8::1"), r.cb)
	suite.Equal(1, r.calls)
	suite.ErrorIs(r.err, otbr.ErrInvalidState)
}

func (suite *PublisherInternalSuite) TestHostGoodbyeBeforeRemoval() {
	var r, unpub result
	suite.pub.PublishHost("h", addrs("2001:db8::1", "2001:db8::2"), r.cb)

	recs := suite.hostRecords("h.local.")
	for _, rec := range recs {
		rec.Reply(dnssd.NoError)
	}
	suite.process()
	suite.Require().NoError(r.err)

	mark := len(suite.fake.Log)
	suite.pub.UnpublishHost("h", unpub.cb)
	suite.Equal(1, unpub.calls)
	suite.NoError(unpub.err)
	suite.Equal(1, r.calls)

	suite.Equal([]string{
		"update_record h.local. ttl=1",
		"remove_record h.local.",
		"update_record h.local. ttl=1",
		"remove_record h.local.",
	}, suite.fake.Log[mark:])

	for _, rec := range recs {
		suite.Equal([]uint32{dnssd.GoodbyeTTL}, rec.Updates)
		suite.True(rec.Removed)
	}
}

func (suite *PublisherInternalSuite) TestPendingHostRemovedWithoutGoodbye() {
	var r, unpub result
	suite.pub.PublishHost("h", addrs("2001:db8::1"), r.cb)
	recs := suite.hostRecords("h.local.")

	suite.pub.UnpublishHost("h", unpub.cb)
	suite.Equal(1, r.calls)
	suite.ErrorIs(r.err, otbr.ErrAborted)
	suite.Zero(suite.logCount(dnssdtest.OpUpdateRecord))
	suite.True(recs[0].Removed)

	// a late reply for the removed registration is dropped
	recs[0].Reply(dnssd.NoError)
	suite.process()
	suite.Equal(1, r.calls)
}

func (suite *PublisherInternalSuite) TestHostDedup() {
	var first, second, replaced result
	suite.pub.PublishHost("h", addrs("2001:db8::1", "2001:db8::2"), first.cb)
	suite.pub.PublishHost("H.", addrs("2001:db8::2", "2001:db8::1"), second.cb)
	suite.Len(suite.hostRecords("h.local."), 2)

	suite.pub.PublishHost("h", addrs("2001:db8::3"), replaced.cb)
	suite.Equal(1, first.calls)
	suite.ErrorIs(first.err, otbr.ErrAborted)
	suite.Equal(1, second.calls)
	suite.ErrorIs(second.err, otbr.ErrAborted)
	suite.Zero(replaced.calls)
	suite.Len(suite.hostRecords("h.local."), 3)
}

func (suite *PublisherInternalSuite) TestKeyStandalone() {
	var r, unpub result
	suite.pub.PublishKey("k", []byte{1, 2, 3}, r.cb)

	conns := suite.fake.Live(dnssdtest.OpConnection)
	suite.Require().Len(conns, 1)

	recs := suite.fake.Records()
	suite.Require().Len(recs, 1)
	suite.Same(conns[0], recs[0].Owner)
	suite.Equal("k.local.", recs[0].FullName)
	suite.EqualValues(dns.TypeKEY, recs[0].RRType)
	suite.Equal(dnssd.FlagsUnique, recs[0].Flags)
	suite.Equal([]byte{1, 2, 3}, recs[0].RData)

	recs[0].Reply(dnssd.NoError)
	suite.process()
	suite.Equal(1, r.calls)
	suite.NoError(r.err)

	suite.pub.UnpublishKey("k", unpub.cb)
	suite.NoError(unpub.err)
	suite.Equal([]uint32{dnssd.GoodbyeTTL}, recs[0].Updates)
	suite.True(recs[0].Removed)
}

func (suite *PublisherInternalSuite) TestKeyConflict() {
	var r result
	suite.pub.PublishKey("k", []byte{1}, r.cb)

	suite.fake.Records()[0].Reply(dnssd.ErrNameConflict)
	suite.process()

	suite.Equal(1, r.calls)
	suite.ErrorIs(r.err, otbr.ErrDuplicated)
	suite.True(suite.fake.Records()[0].Removed)
}

func (suite *PublisherInternalSuite) TestKeyAttachedToService() {
	var svc, key result
	suite.pub.PublishService("", "srv", "_test._udp", nil, 1, nil, svc.cb)
	suite.pub.PublishKey("srv._test._udp", []byte{9}, key.cb)

	ref := suite.fake.Find(dnssdtest.OpRegister, "srv")
	suite.Empty(suite.fake.Live(dnssdtest.OpConnection))

	recs := suite.fake.Records()
	suite.Require().Len(recs, 1)
	suite.Same(ref, recs[0].Owner)
	suite.EqualValues(dns.TypeKEY, recs[0].RRType)
	suite.Equal(dnssd.FlagsShared, recs[0].Flags)
	suite.Zero(key.calls)

	ref.ReplyRegister(dnssd.FlagsAdd, dnssd.NoError)
	suite.process()
	suite.Equal(1, svc.calls)
	suite.Equal(1, key.calls)
	suite.NoError(key.err)

	// a key published after the service completed is done immediately
	var late result
	suite.pub.PublishKey("srv._test._udp", []byte{10}, late.cb)
	suite.Equal(1, late.calls)
	suite.NoError(late.err)

	// removing the service takes the key along
	var unpub result
	suite.pub.UnpublishService("srv", "_test._udp", unpub.cb)
	suite.NoError(unpub.err)
	for _, rec := range suite.fake.Records() {
		suite.True(rec.Removed)
	}

	var again result
	suite.pub.PublishKey("srv._test._udp", []byte{10}, again.cb)
	suite.Zero(again.calls)
	suite.Len(suite.fake.Live(dnssdtest.OpConnection), 1)
}

func (suite *PublisherInternalSuite) TestKeyFailsWithService() {
	var svc, key result
	suite.pub.PublishService("", "srv", "_test._udp", nil, 1, nil, svc.cb)
	suite.pub.PublishKey("srv._test._udp", []byte{9}, key.cb)

	suite.fake.Find(dnssdtest.OpRegister, "srv").ReplyRegister(0, dnssd.ErrNameConflict)
	suite.process()

	suite.ErrorIs(svc.err, otbr.ErrDuplicated)
	suite.Equal(1, key.calls)
	suite.ErrorIs(key.err, otbr.ErrDuplicated)
}

func (suite *PublisherInternalSuite) TestStopAbortsEverything() {
	var svc, host, key result
	suite.pub.PublishService("", "srv", "_test._udp", nil, 1, nil, svc.cb)
	suite.pub.PublishHost("h", addrs("2001:db8::1"), host.cb)
	suite.pub.PublishKey("k", []byte{1}, key.cb)
	suite.pub.SubscribeService("_test._udp", "")
	suite.pub.SubscribeHost("peer")

	suite.pub.Stop()

	for _, r := range []result{svc, host, key} {
		suite.Equal(1, r.calls)
		suite.ErrorIs(r.err, otbr.ErrAborted)
	}
	for _, ref := range suite.fake.Refs {
		suite.True(ref.Deallocated, "%s left allocated", ref.Op)
	}

	suite.Equal([]State{StateReady, StateIdle}, suite.states)
	suite.False(suite.pub.IsStarted())
	suite.Empty(suite.observer.events)

	watched := mainloop.NewContext(time.Second)
	suite.pub.Update(watched)
	suite.Equal(-1, watched.MaxFd)
}

type warnLogger struct {
	otbr.NullLogger
	warnings []string
}

func (l *warnLogger) Warnf(format string, args ...interface{}) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

func (l *warnLogger) WithField(string, interface{}) otbr.Logger { return l }
func (l *warnLogger) WithError(error) otbr.Logger               { return l }

func TestUpdateWarnsOnUnwatchableHandle(t *testing.T) {
	var log warnLogger
	fake := dnssdtest.New()
	pub := New(&log, fake, nil)
	if err := pub.Start(); err != nil {
		t.Fatal(err)
	}

	pub.SubscribeHost("h1")
	lookup := fake.Find(dnssdtest.OpAddrInfo, "h1.local.")
	if lookup == nil {
		t.Fatal("no address lookup issued")
	}
	lookup.Fd = mainloop.FdSetSize

	watched := mainloop.NewContext(time.Second)
	pub.Update(watched)

	if watched.MaxFd >= mainloop.FdSetSize {
		t.Fatalf("handle with fd %d was watched", lookup.Fd)
	}
	if len(log.warnings) != 1 || !strings.Contains(log.warnings[0], fmt.Sprint(mainloop.FdSetSize)) {
		t.Fatalf("unexpected warnings: %v", log.warnings)
	}
}

func (suite *PublisherInternalSuite) TestReconnectOnServiceNotRunning() {
	var r result
	suite.pub.PublishService("", "srv", "_test._udp", nil, 1, nil, r.cb)
	ref := suite.fake.Find(dnssdtest.OpRegister, "srv")

	ref.FailProcess(dnssd.ErrServiceNotRunning)
	suite.process()

	suite.Equal(1, r.calls)
	suite.ErrorIs(r.err, otbr.ErrAborted)
	suite.True(ref.Deallocated)
	suite.Equal([]State{StateReady, StateIdle, StateReady}, suite.states)
	suite.True(suite.pub.IsStarted())
	suite.Equal(1, suite.metrics.reconnects)

	// nothing is re-established
	suite.Equal(1, suite.logCount(dnssdtest.OpRegister))
}

func (suite *PublisherInternalSuite) TestOtherProcessErrorsAreLogged() {
	var r result
	suite.pub.PublishService("", "srv", "_test._udp", nil, 1, nil, r.cb)
	ref := suite.fake.Find(dnssdtest.OpRegister, "srv")

	ref.FailProcess(dnssd.ErrUnknown)
	ref.FailProcess(dnssd.ErrBadReference)
	suite.process()

	suite.Zero(r.calls)
	suite.Equal([]State{StateReady}, suite.states)
	suite.False(ref.Deallocated)
}

func (suite *PublisherInternalSuite) TestPublishAndBrowseEndToEnd() {
	var r result
	suite.pub.PublishService("host1", "inst1", "_test._udp", nil, 1234, []byte("txt"), r.cb)
	suite.fake.Find(dnssdtest.OpRegister, "inst1").ReplyRegister(dnssd.FlagsAdd, dnssd.NoError)
	suite.process()
	suite.Require().NoError(r.err)

	suite.pub.SubscribeService("_test._udp", "")
	browse := suite.fake.Find(dnssdtest.OpBrowse, "_test._udp")
	suite.Require().NotNil(browse)
	suite.Equal(dnssd.InterfaceIndexAny, browse.IfIndex)

	browse.ReplyBrowse(dnssd.FlagsAdd, 1, dnssd.NoError, "inst1")
	suite.process()

	resolve := suite.fake.Find(dnssdtest.OpResolve, "inst1")
	suite.Require().NotNil(resolve)
	suite.Equal(dnssd.FlagsTimeout, resolve.Flags)
	suite.EqualValues(1, resolve.IfIndex)
	suite.Equal("_test._udp", resolve.RegType)

	resolve.ReplyResolve(1, dnssd.NoError, "host1.local.", 1234, []byte("txt"))
	suite.process()
	suite.True(resolve.Deallocated)

	lookup := suite.fake.Find(dnssdtest.OpAddrInfo, "host1.local.")
	suite.Require().NotNil(lookup)
	suite.Equal(dnssd.FlagsTimeout, lookup.Flags)
	suite.EqualValues(1, lookup.IfIndex)
	suite.Equal(dnssd.ProtocolIPv6|dnssd.ProtocolIPv4, lookup.Protocol)

	for _, a := range []string{"::", "fe80::1", "ff02::1", "::1", "10.0.0.1"} {
		lookup.ReplyAddr(dnssd.FlagsAdd, 1, dnssd.NoError, netip.MustParseAddr(a), 120)
	}
	lookup.ReplyAddr(dnssd.FlagsAdd, 1, dnssd.NoError, netip.MustParseAddr("2001:db8::1"), 120)
	suite.process()

	suite.Require().Len(suite.observer.events, 1)
	ev := suite.observer.events[0]
	suite.Equal("resolved", ev.kind)
	suite.Equal("_test._udp", ev.serviceType)
	suite.Equal(DiscoveredInstanceInfo{
		NetifIndex: 1,
		Name:       "inst1",
		HostName:   "host1.local.",
		Addresses:  addrs("2001:db8::1"),
		Port:       1234,
		TxtData:    []byte("txt"),
		TTL:        120,
	}, ev.instance)

	suite.True(lookup.Deallocated)
	suite.False(browse.Deallocated)
	suite.Equal([]dnssd.ErrorCode{dnssd.NoError}, suite.metrics.resolutions)
}

func (suite *PublisherInternalSuite) TestSubscribeInstanceResolvesDirectly() {
	suite.pub.SubscribeService("_test._udp", "inst1")
	suite.Empty(suite.fake.Live(dnssdtest.OpBrowse))

	resolve := suite.fake.Find(dnssdtest.OpResolve, "inst1")
	suite.Require().NotNil(resolve)
	suite.Equal(dnssd.InterfaceIndexAny, resolve.IfIndex)
	suite.Equal(dnssd.LocalDomain, resolve.Domain)
}

func (suite *PublisherInternalSuite) TestResolveFailureReportedOnce() {
	suite.pub.SubscribeService("_test._udp", "inst1")

	resolve := suite.fake.Find(dnssdtest.OpResolve, "inst1")
	resolve.ReplyResolve(0, dnssd.ErrTimeout, "", 0, nil)
	suite.process()

	suite.Equal([]discoveryEvent{
		{kind: "resolve_failed", serviceType: "_test._udp", name: "inst1", code: dnssd.ErrTimeout},
	}, suite.observer.events)
	suite.True(resolve.Deallocated)
	suite.Equal([]dnssd.ErrorCode{dnssd.ErrTimeout}, suite.metrics.resolutions)
}

func (suite *PublisherInternalSuite) TestAddrInfoFailureReportedOnce() {
	suite.pub.SubscribeService("_test._udp", "inst1")
	suite.fake.Find(dnssdtest.OpResolve, "inst1").ReplyResolve(2, dnssd.NoError, "h.local.", 1, nil)
	suite.process()

	lookup := suite.fake.Find(dnssdtest.OpAddrInfo, "h.local.")
	lookup.ReplyAddr(0, 2, dnssd.ErrTimeout, netip.Addr{}, 0)
	lookup.ReplyAddr(dnssd.FlagsAdd, 2, dnssd.NoError, netip.MustParseAddr("2001:db8::1"), 0)
	suite.process()

	suite.Require().Len(suite.observer.events, 1)
	suite.Equal("resolve_failed", suite.observer.events[0].kind)
	suite.Equal(dnssd.ErrTimeout, suite.observer.events[0].code)
}

func (suite *PublisherInternalSuite) TestSubscribeSyncFailure() {
	suite.fake.FailNext(dnssdtest.OpBrowse, dnssd.ErrBadParam)
	suite.pub.SubscribeService("_test._udp", "")

	suite.Equal([]discoveryEvent{
		{kind: "resolve_failed", serviceType: "_test._udp", code: dnssd.ErrBadParam},
	}, suite.observer.events)

	// the subscription still exists and can be cancelled
	suite.NotPanics(func() { suite.pub.UnsubscribeService("_test._udp", "") })
}

func (suite *PublisherInternalSuite) TestBrowseRemoveAndError() {
	suite.pub.SubscribeService("_test._udp", "")
	browse := suite.fake.Find(dnssdtest.OpBrowse, "_test._udp")

	browse.ReplyBrowse(dnssd.FlagsAdd, 3, dnssd.NoError, "inst1")
	suite.process()
	browse.ReplyBrowse(0, 3, dnssd.NoError, "inst1")
	browse.ReplyBrowse(0, 0, dnssd.ErrUnknown, "")
	suite.process()

	suite.Equal([]discoveryEvent{
		{kind: "removed", serviceType: "_test._udp", name: "inst1", ifIndex: 3},
		{kind: "resolve_failed", serviceType: "_test._udp", code: dnssd.ErrUnknown},
	}, suite.observer.events)
	suite.True(browse.Deallocated)

	// the resolution in flight still reports its own outcome
	resolve := suite.fake.Find(dnssdtest.OpResolve, "inst1")
	suite.Require().NotNil(resolve)
	suite.False(resolve.Deallocated)

	resolve.ReplyResolve(3, dnssd.ErrTimeout, "", 0, nil)
	suite.process()

	suite.Equal(discoveryEvent{kind: "resolve_failed", serviceType: "_test._udp", name: "inst1", code: dnssd.ErrTimeout},
		suite.observer.events[len(suite.observer.events)-1])
	suite.True(resolve.Deallocated)
}

func (suite *PublisherInternalSuite) TestBrowseRemoveKeepsResolution() {
	suite.pub.SubscribeService("_test._udp", "")
	browse := suite.fake.Find(dnssdtest.OpBrowse, "_test._udp")

	browse.ReplyBrowse(dnssd.FlagsAdd, 3, dnssd.NoError, "inst1")
	suite.process()
	browse.ReplyBrowse(0, 3, dnssd.NoError, "inst1")
	suite.process()

	resolve := suite.fake.Find(dnssdtest.OpResolve, "inst1")
	suite.Require().NotNil(resolve)
	resolve.ReplyResolve(3, dnssd.NoError, "h.local.", 8080, nil)
	suite.process()

	lookup := suite.fake.Find(dnssdtest.OpAddrInfo, "h.local.")
	suite.Require().NotNil(lookup)
	lookup.ReplyAddr(dnssd.FlagsAdd, 3, dnssd.NoError, netip.MustParseAddr("2001:db8::1"), 10)
	suite.process()

	suite.Require().Len(suite.observer.events, 2)
	suite.Equal("removed", suite.observer.events[0].kind)
	suite.Equal("resolved", suite.observer.events[1].kind)
	suite.Equal(addrs("2001:db8::1"), suite.observer.events[1].instance.Addresses)
	suite.False(browse.Deallocated)
}

func (suite *PublisherInternalSuite) TestUnsubscribeCancelsSilently() {
	suite.pub.SubscribeService("_test._udp", "")
	browse := suite.fake.Find(dnssdtest.OpBrowse, "_test._udp")
	browse.ReplyBrowse(dnssd.FlagsAdd, 1, dnssd.NoError, "inst1")
	suite.process()

	resolve := suite.fake.Find(dnssdtest.OpResolve, "inst1")
	suite.Require().NotNil(resolve)
	resolve.ReplyResolve(1, dnssd.NoError, "h.local.", 1, nil)

	suite.pub.UnsubscribeService("_test._udp", "")
	suite.process()

	suite.True(browse.Deallocated)
	suite.True(resolve.Deallocated)
	suite.Empty(suite.fake.Live(dnssdtest.OpAddrInfo))
	suite.Empty(suite.observer.events)

	suite.Panics(func() { suite.pub.UnsubscribeService("_test._udp", "") })
}

func (suite *PublisherInternalSuite) TestSubscriptionsIgnoredWhileIdle() {
	suite.pub.Stop()

	suite.pub.SubscribeService("_test._udp", "")
	suite.pub.SubscribeHost("h")
	suite.NotPanics(func() {
		suite.pub.UnsubscribeService("_test._udp", "")
		suite.pub.UnsubscribeHost("h")
	})

	suite.Empty(suite.fake.Log)
}

func (suite *PublisherInternalSuite) TestHostSubscription() {
	suite.pub.SubscribeHost("h1")

	lookup := suite.fake.Find(dnssdtest.OpAddrInfo, "h1.local.")
	suite.Require().NotNil(lookup)
	suite.Equal(dnssd.Flags(0), lookup.Flags)
	suite.Equal(dnssd.InterfaceIndexAny, lookup.IfIndex)
	suite.Equal(dnssd.ProtocolIPv6|dnssd.ProtocolIPv4, lookup.Protocol)

	lookup.ReplyAddr(dnssd.FlagsAdd, 2, dnssd.NoError, netip.MustParseAddr("fe80::1"), 10)
	lookup.ReplyAddr(dnssd.FlagsAdd, 2, dnssd.NoError, netip.MustParseAddr("2001:db8::1"), 10)
	lookup.ReplyAddr(dnssd.FlagsAdd, 2, dnssd.NoError, netip.MustParseAddr("192.0.2.1"), 10)
	lookup.ReplyAddr(dnssd.FlagsAdd, 2, dnssd.NoError, netip.MustParseAddr("::ffff:192.0.2.1"), 10)
	lookup.ReplyAddr(dnssd.FlagsAdd, 2, dnssd.NoError, netip.MustParseAddr("fd00::2"), 20)
	lookup.ReplyAddr(0, 0, dnssd.ErrUnknown, netip.Addr{}, 0)
	suite.process()

	suite.Equal([]discoveryEvent{
		{kind: "host_resolved", name: "h1", host: DiscoveredHostInfo{
			HostName: "h1.local.", Addresses: addrs("2001:db8::1"), NetifIndex: 2, TTL: 10,
		}},
		{kind: "host_resolved", name: "h1", host: DiscoveredHostInfo{
			HostName: "h1.local.", Addresses: addrs("2001:db8::1", "fd00::2"), NetifIndex: 2, TTL: 20,
		}},
		{kind: "host_failed", name: "h1", code: dnssd.ErrUnknown},
	}, suite.observer.events)

	// errors keep the lookup running
	suite.False(lookup.Deallocated)
	suite.Equal([]dnssd.ErrorCode{dnssd.NoError}, suite.metrics.hosts)

	suite.pub.UnsubscribeHost("h1")
	suite.True(lookup.Deallocated)
	suite.Panics(func() { suite.pub.UnsubscribeHost("h1") })
}

func (suite *PublisherInternalSuite) TestObserverRemovedDuringNotification() {
	var second recordingObserver
	var secondId uint64

	suite.pub.AddDiscoveryObserver(DiscoveryCallbacks{
		ServiceRemoved: func(uint32, string, string) { suite.pub.RemoveDiscoveryObserver(secondId) },
	})
	secondId = suite.pub.AddDiscoveryObserver(&second)

	suite.pub.SubscribeService("_test._udp", "")
	suite.fake.Find(dnssdtest.OpBrowse, "_test._udp").ReplyBrowse(0, 1, dnssd.NoError, "gone")
	suite.process()

	suite.Len(suite.observer.events, 1)
	suite.Empty(second.events)
}

func (suite *PublisherInternalSuite) TestCallbackMayUnsubscribe() {
	suite.pub.AddDiscoveryObserver(DiscoveryCallbacks{
		ServiceResolved: func(serviceType string, _ DiscoveredInstanceInfo) {
			suite.pub.UnsubscribeService(serviceType, "inst1")
		},
	})

	suite.pub.SubscribeService("_test._udp", "inst1")
	suite.fake.Find(dnssdtest.OpResolve, "inst1").ReplyResolve(1, dnssd.NoError, "h.local.", 1, nil)
	suite.process()

	lookup := suite.fake.Find(dnssdtest.OpAddrInfo, "h.local.")
	lookup.ReplyAddr(dnssd.FlagsAdd, 1, dnssd.NoError, netip.MustParseAddr("2001:db8::1"), 1)
	suite.process()

	suite.Len(suite.observer.events, 1)
	suite.True(slices.ContainsFunc(suite.fake.Refs, func(r *dnssdtest.Ref) bool { return r.Deallocated }))
	suite.Empty(suite.pub.serviceSubs)
}

func (suite *PublisherInternalSuite) TestTranslatedErrorsKeepCode() {
	err := TranslateError(dnssd.ErrNoSuchRecord)
	suite.ErrorIs(err, otbr.ErrNotFound)
	suite.ErrorIs(err, dnssd.ErrNoSuchRecord)
	suite.Contains(err.Error(), "No Such Record")

	var code dnssd.ErrorCode
	suite.True(errors.As(err, &code))
	suite.Equal(dnssd.ErrNoSuchRecord, code)
}

func TestPublisherInternalSuite(t *testing.T) {
	suite.Run(t, new(PublisherInternalSuite))
}
