package tokencleanup_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/tokencleanup"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

// fakeRedis answers the lock commands from memory. Scripts are told apart by
// their arguments: renewals carry the ttl, releases only the owner.
type fakeRedis struct {
	redis.UniversalClient

	mu          sync.Mutex
	owner       string
	renewals    int
	releases    int
	evalErr     error
	sawDeadline bool
}

func (f *fakeRedis) SetNX(ctx context.Context, _ string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.sawDeadline = ctx.Deadline()

	cmd := redis.NewBoolCmd(ctx)
	if f.owner != "" {
		cmd.SetVal(false)
		return cmd
	}
	f.owner = value.(string)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) EvalSha(ctx context.Context, _ string, _ []string, args ...interface{}) *redis.Cmd {
	return f.eval(ctx, args)
}

func (f *fakeRedis) Eval(ctx context.Context, _ string, _ []string, args ...interface{}) *redis.Cmd {
	return f.eval(ctx, args)
}

func (f *fakeRedis) eval(ctx context.Context, args []interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := redis.NewCmd(ctx)
	if f.evalErr != nil {
		cmd.SetErr(f.evalErr)
		return cmd
	}
	if args[0] != f.owner {
		cmd.SetVal(int64(0))
		return cmd
	}
	if len(args) == 2 {
		f.renewals++
	} else {
		f.owner = ""
		f.releases++
	}
	cmd.SetVal(int64(1))
	return cmd
}

func (f *fakeRedis) steal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owner = "another-worker"
}

func (f *fakeRedis) failEvals(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalErr = err
}

func (f *fakeRedis) counts() (renewals, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewals, f.releases
}

// syncBuffer lets the renewal goroutine and the spec share a log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var _ = Describe("Lockers", func() {
	It("LocalLocker admits one holder at a time", func() {
		locker := &tokencleanup.LocalLocker{}

		_, release, err := locker.Acquire(context.Background())
		Expect(err).NotTo(HaveOccurred())
		_, _, err = locker.Acquire(context.Background())
		Expect(err).To(MatchError(tokencleanup.ErrAlreadyRunning))

		release()
		_, again, err := locker.Acquire(context.Background())
		Expect(err).NotTo(HaveOccurred())
		again()
	})

	It("RedisLocker reports an unreachable server instead of running unlocked", func() {
		client := redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 50 * time.Millisecond,
			MaxRetries:  -1,
		})
		DeferCleanup(client.Close)

		_, _, err := tokencleanup.NewRedisLocker(client, "library:token-cleanup", time.Minute, nil).Acquire(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(err).NotTo(MatchError(tokencleanup.ErrAlreadyRunning))
		Expect(err.Error()).To(ContainSubstring("acquire cleanup lock"))
	})

	Describe("RedisLocker lease", func() {
		var (
			client *fakeRedis
			logs   *syncBuffer
			logger *slog.Logger
		)

		BeforeEach(func() {
			client = &fakeRedis{}
			logs = &syncBuffer{}
			logger = slog.New(slog.NewTextHandler(logs, nil))
		})

		It("bounds the acquire call and refuses a second holder", func() {
			locker := tokencleanup.NewRedisLocker(client, "lock", time.Minute, logger)

			_, release, err := locker.Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(client.sawDeadline).To(BeTrue())

			_, _, err = locker.Acquire(context.Background())
			Expect(err).To(MatchError(tokencleanup.ErrAlreadyRunning))

			release()
			_, releases := client.counts()
			Expect(releases).To(Equal(1))
		})

		It("keeps renewing while the run lasts and stops on release", func() {
			locker := tokencleanup.NewRedisLocker(client, "lock", 30*time.Millisecond, logger)

			lease, release, err := locker.Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int {
				renewals, _ := client.counts()
				return renewals
			}).Should(BeNumerically(">=", 3))
			Expect(lease.Err()).NotTo(HaveOccurred())

			release()
			renewals, releases := client.counts()
			Expect(releases).To(Equal(1))
			Consistently(func() int {
				n, _ := client.counts()
				return n
			}, 60*time.Millisecond).Should(Equal(renewals))
		})

		It("cancels the lease when another holder took the key", func() {
			locker := tokencleanup.NewRedisLocker(client, "lock", 30*time.Millisecond, logger)

			lease, release, err := locker.Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(release)

			client.steal()
			Eventually(lease.Done()).Should(BeClosed())
			Expect(context.Cause(lease)).To(MatchError(tokencleanup.ErrLeaseLost))
			Expect(logs.String()).To(ContainSubstring("cleanup lock taken over"))
		})

		It("cancels the lease when renewals keep failing for a whole ttl", func() {
			locker := tokencleanup.NewRedisLocker(client, "lock", 30*time.Millisecond, logger)

			lease, release, err := locker.Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(release)

			client.failEvals(errors.New("connection reset"))
			Eventually(lease.Done()).Should(BeClosed())
			Expect(context.Cause(lease)).To(MatchError(tokencleanup.ErrLeaseLost))
			Expect(logs.String()).To(ContainSubstring("failed to renew cleanup lock"))
		})

		It("logs a failed release instead of dropping it", func() {
			locker := tokencleanup.NewRedisLocker(client, "lock", time.Minute, logger)

			_, release, err := locker.Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())

			client.failEvals(errors.New("connection reset"))
			release()
			Expect(logs.String()).To(ContainSubstring("failed to release cleanup lock"))
			Expect(logs.String()).To(ContainSubstring("connection reset"))
		})

		It("aborts a cleanup run whose lease is lost", func() {
			locker := tokencleanup.NewRedisLocker(client, "lock", 30*time.Millisecond, logger)
			store := newMemoryStore(tokencleanup.Token{ID: 1, ExpiresAt: time.Now().Add(-time.Minute)})
			store.afterList = func(*memoryStore) {
				client.steal()
				time.Sleep(50 * time.Millisecond)
			}

			job := tokencleanup.NewJob(store, locker, internal.CleanupConfig{BatchSize: 10, Workers: 1}, logger)
			_, err := job.RunOnce(context.Background())
			Expect(err).To(MatchError(tokencleanup.ErrLeaseLost))
		})
	})
})
