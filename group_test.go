package jobqueue_test

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/jobqueue"
)

var _ = Describe("Group", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	newSplitGroup := func(topo jobqueue.Topology, queues, maxDepth int, opts ...jobqueue.Option) (*jobqueue.Group[*splitState], []*splitState) {
		opts = append([]jobqueue.Option{jobqueue.WithLogger(testLogger())}, opts...)
		g := jobqueue.NewGroup[*splitState](topo, opts...)
		states := make([]*splitState, queues)
		for k := range states {
			s := &splitState{maxDepth: maxDepth}
			q, err := g.NewQueue(s)
			Expect(err).NotTo(HaveOccurred())
			s.queue = q
			states[k] = s
		}
		return g, states
	}

	Describe("ThreadAllocation", func() {
		DescribeTable("should split threads evenly, remainder first",
			func(index, count, total, expected int) {
				Expect(jobqueue.ThreadAllocation(index, count, total)).To(Equal(expected))
			},
			Entry("10 over 3, first", 0, 3, 10, 4),
			Entry("10 over 3, second", 1, 3, 10, 3),
			Entry("10 over 3, third", 2, 3, 10, 3),
			Entry("8 over 4", 3, 4, 8, 2),
			Entry("2 over 3, first", 0, 3, 2, 1),
			Entry("2 over 3, last gets none", 2, 3, 2, 0),
			Entry("no queues", 0, 0, 4, 0),
			Entry("index out of range", 3, 3, 9, 0),
			Entry("negative index", -1, 3, 9, 0),
			Entry("no threads", 0, 3, 0, 0),
		)

		It("should sum to total with the first total%count queues getting one extra", func() {
			for count := 1; count <= 8; count++ {
				for total := count; total <= 40; total++ {
					sum := 0
					base := total / count
					for k := 0; k < count; k++ {
						n := jobqueue.ThreadAllocation(k, count, total)
						Expect(n).To(BeNumerically(">=", 0))
						if k < total%count {
							Expect(n).To(Equal(base+1), "k=%d count=%d total=%d", k, count, total)
						} else {
							Expect(n).To(Equal(base), "k=%d count=%d total=%d", k, count, total)
						}
						sum += n
					}
					Expect(sum).To(Equal(total))
				}
			}
		})
	})

	Describe("LaunchConcurrency", func() {
		DescribeTable("should be min(total, count)",
			func(count, total, expected int) {
				Expect(jobqueue.LaunchConcurrency(count, total)).To(Equal(expected))
			},
			Entry("more threads than queues", 3, 16, 3),
			Entry("fewer threads than queues", 3, 2, 2),
			Entry("equal", 4, 4, 4),
			Entry("degenerate", 0, 0, 1),
		)
	})

	Describe("Add", func() {
		It("should assign dense ids in registration order", func() {
			g := jobqueue.NewGroup[*ledger](jobqueue.StaticTopology{ThreadCount: 2}, jobqueue.WithLogger(testLogger()))
			for k := 0; k < 4; k++ {
				q := jobqueue.NewQueue(newLedger(0))
				Expect(g.Add(q)).To(Succeed())
				Expect(q.ID()).To(Equal(k))
				Expect(q.Group()).To(BeIdenticalTo(g))
			}

			Expect(g.Len()).To(Equal(4))
			for k, q := range g.Queues() {
				Expect(q.ID()).To(Equal(k))
			}
		})

		It("should reject a queue that already belongs to a group", func() {
			g1 := jobqueue.NewGroup[*ledger](jobqueue.StaticTopology{}, jobqueue.WithLogger(testLogger()))
			g2 := jobqueue.NewGroup[*ledger](jobqueue.StaticTopology{}, jobqueue.WithLogger(testLogger()))
			q := jobqueue.NewQueue(newLedger(0))

			Expect(g1.Add(q)).To(Succeed())
			Expect(g1.Add(q)).To(MatchError(jobqueue.ErrQueueInGroup))
			Expect(g2.Add(q)).To(MatchError(jobqueue.ErrQueueInGroup))
		})

		It("should reject a nil queue", func() {
			g := jobqueue.NewGroup[*ledger](jobqueue.StaticTopology{}, jobqueue.WithLogger(testLogger()))
			Expect(g.Add(nil)).To(MatchError(jobqueue.ErrNilQueue))
		})

		It("should reject registration during a launch", func() {
			started := make(chan struct{})
			release := make(chan struct{})

			g := jobqueue.NewGroup[*jobqueue.SelfQueue](jobqueue.StaticTopology{ThreadCount: 1}, jobqueue.WithLogger(testLogger()))
			sq := &jobqueue.SelfQueue{}
			q, err := g.NewQueue(sq)
			Expect(err).NotTo(HaveOccurred())
			sq.Queue = q
			q.Enqueue(jobqueue.JobFunc[*jobqueue.SelfQueue](func(*jobqueue.SelfQueue) jobqueue.Result {
				close(started)
				<-release
				return jobqueue.Completed
			}))

			done := make(chan error, 1)
			go func() { done <- g.Launch(ctx) }()
			Eventually(started, 5*time.Second).Should(BeClosed())

			Expect(g.Add(jobqueue.NewQueue(&jobqueue.SelfQueue{}))).To(MatchError(jobqueue.ErrGroupRunning))
			Expect(g.Launch(ctx)).To(MatchError(jobqueue.ErrGroupRunning))

			close(release)
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))

			// registration opens up again after the launch
			Expect(g.Add(jobqueue.NewQueue(&jobqueue.SelfQueue{}))).To(Succeed())
		})
	})

	Describe("Launch", func() {
		It("should fail on an empty group", func() {
			g := jobqueue.NewGroup[*ledger](jobqueue.StaticTopology{ThreadCount: 4}, jobqueue.WithLogger(testLogger()))
			Expect(g.Launch(ctx)).To(MatchError(jobqueue.ErrNoQueues))
		})

		It("should run all 186 spawned jobs of 3 seeds with only 2 threads", func() {
			pins := &pinRecorder{}
			g, states := newSplitGroup(
				jobqueue.StaticTopology{ThreadCount: 2, DomainCount: 1, Policy: jobqueue.PlacementNone},
				3, 5, jobqueue.WithPinner(pins.pin),
			)
			for _, s := range states {
				s.queue.Enqueue(&splitJob{})
			}

			Expect(g.Launch(ctx)).To(Succeed())

			var spawned int64
			for _, s := range states {
				// every job ran against the state of the queue it was put in
				Expect(s.executed.Load()).To(Equal(jobsInTree(5)))
				Expect(s.queue.Len()).To(Equal(0))
				spawned += s.spawned.Load()
			}
			Expect(spawned).To(Equal(int64(186)))
			Expect(pins.recorded()).To(BeEmpty())
		})

		It("should run a busy queue's jobs against its own state while siblings have none", func() {
			g, states := newSplitGroup(
				jobqueue.StaticTopology{ThreadCount: 4, DomainCount: 2, Policy: jobqueue.PlacementNone},
				4, 10,
			)
			states[0].queue.Enqueue(&splitJob{})

			Expect(g.Launch(ctx)).To(Succeed())

			Expect(states[0].executed.Load()).To(Equal(jobsInTree(10)))
			for _, s := range states[1:] {
				Expect(s.executed.Load()).To(BeZero())
			}
		})

		It("should let idle siblings run pending work of a blocked queue", func() {
			m, reader := newTestMetrics()
			g := jobqueue.NewGroup[*ledger](
				jobqueue.StaticTopology{ThreadCount: 4, Policy: jobqueue.PlacementNone},
				jobqueue.WithLogger(testLogger()),
				jobqueue.WithMetrics(m),
			)
			queues := make([]*jobqueue.Queue[*ledger], 4)
			for k := range queues {
				q, err := g.NewQueue(newLedger(0))
				Expect(err).NotTo(HaveOccurred())
				queues[k] = q
			}

			// Each queue has one worker. The first job holds its worker until
			// the second has run, so the second can only run on a sibling.
			unblocked := make(chan struct{})
			queues[0].Enqueue(jobqueue.JobFunc[*ledger](func(l *ledger) jobqueue.Result {
				select {
				case <-unblocked:
				case <-time.After(5 * time.Second):
				}
				l.total.Add(1)
				return jobqueue.Completed
			}))
			queues[0].Enqueue(jobqueue.JobFunc[*ledger](func(l *ledger) jobqueue.Result {
				close(unblocked)
				l.total.Add(1)
				return jobqueue.Completed
			}))

			Expect(g.Launch(ctx)).To(Succeed())

			Expect(queues[0].State().total.Load()).To(Equal(int64(2)))
			for _, q := range queues[1:] {
				Expect(q.State().total.Load()).To(BeZero())
			}
			rm := collectMetrics(reader)
			Expect(sumInt64(rm, "jobqueue.jobs.executed", "mode", "assist")).To(BeNumerically(">=", 1))
		})

		It("should run at most min(threads, queues) loops at once", func() {
			var running, peak, started atomic.Int32
			pins := &pinRecorder{}
			g := jobqueue.NewGroup[*ledger](
				jobqueue.StaticTopology{ThreadCount: 2, DomainCount: 5, Policy: jobqueue.PlacementDistribute},
				jobqueue.WithLogger(testLogger()),
				jobqueue.WithPinner(pins.pin),
			)

			// Every queue gets one worker, so concurrently running seeds
			// bound the number of concurrently running loops.
			newSeed := func() jobqueue.Job[*ledger] {
				return jobqueue.JobFunc[*ledger](func(l *ledger) jobqueue.Result {
					n := running.Add(1)
					for p := peak.Load(); n > p && !peak.CompareAndSwap(p, n); p = peak.Load() {
					}
					started.Add(1)

					deadline := time.Now().Add(5 * time.Second)
					for started.Load() < 2 && time.Now().Before(deadline) {
						runtime.Gosched()
					}
					time.Sleep(10 * time.Millisecond)

					l.total.Add(1)
					running.Add(-1)
					return jobqueue.Completed
				})
			}
			for k := 0; k < 5; k++ {
				q, err := g.NewQueue(newLedger(0))
				Expect(err).NotTo(HaveOccurred())
				q.Enqueue(newSeed())
			}

			Expect(g.Launch(ctx)).To(Succeed())

			Expect(peak.Load()).To(Equal(int32(2)))
			for _, q := range g.Queues() {
				Expect(q.State().total.Load()).To(Equal(int64(1)))
			}

			// one pinned worker per queue loop, queue k on domain k
			domains := pins.recorded()
			sort.Ints(domains)
			Expect(domains).To(Equal([]int{0, 1, 2, 3, 4}))
		})

		It("should be repeatable", func() {
			g, states := newSplitGroup(jobqueue.StaticTopology{ThreadCount: 3, Policy: jobqueue.PlacementNone}, 2, 4)

			for round := 1; round <= 3; round++ {
				for _, s := range states {
					s.queue.Enqueue(&splitJob{})
				}
				Expect(g.Launch(ctx)).To(Succeed())
				for _, s := range states {
					Expect(s.executed.Load()).To(Equal(int64(round) * jobsInTree(4)))
				}
			}
		})

		It("should pin queue k to domain k mod domains when distributing", func() {
			pins := &pinRecorder{}
			g, _ := newSplitGroup(
				jobqueue.StaticTopology{ThreadCount: 6, DomainCount: 2, Policy: jobqueue.PlacementDistribute},
				3, 0, jobqueue.WithPinner(pins.pin),
			)

			Expect(g.Launch(ctx)).To(Succeed())

			// queues 0 and 2 go to domain 0, queue 1 to domain 1, 2 threads each
			domains := pins.recorded()
			sort.Ints(domains)
			Expect(domains).To(Equal([]int{0, 0, 0, 0, 1, 1}))
		})

		It("should pin everything to domain 0 with PlacementDomainZero", func() {
			pins := &pinRecorder{}
			g, _ := newSplitGroup(
				jobqueue.StaticTopology{ThreadCount: 4, DomainCount: 4, Policy: jobqueue.PlacementDomainZero},
				2, 0, jobqueue.WithPinner(pins.pin),
			)

			Expect(g.Launch(ctx)).To(Succeed())
			Expect(pins.recorded()).To(Equal([]int{0, 0, 0, 0}))
		})

		It("should give every queue one worker when oversubscribed", func() {
			pins := &pinRecorder{}
			g, _ := newSplitGroup(
				jobqueue.StaticTopology{ThreadCount: 2, DomainCount: 3, Policy: jobqueue.PlacementDistribute},
				5, 0, jobqueue.WithPinner(pins.pin),
			)

			Expect(g.Launch(ctx)).To(Succeed())

			domains := pins.recorded()
			sort.Ints(domains)
			Expect(domains).To(Equal([]int{0, 0, 1, 1, 2}))
		})

		It("should complete when pinning fails", func() {
			pins := &pinRecorder{err: errors.New("unavailable")}
			g, states := newSplitGroup(
				jobqueue.StaticTopology{ThreadCount: 4, DomainCount: 2, Policy: jobqueue.PlacementDistribute},
				2, 6, jobqueue.WithPinner(pins.pin),
			)
			for _, s := range states {
				s.queue.Enqueue(&splitJob{})
			}

			Expect(g.Launch(ctx)).To(Succeed())
			for _, s := range states {
				Expect(s.executed.Load()).To(Equal(jobsInTree(6)))
			}
		})

		It("should detect the topology when none is given", func() {
			g := jobqueue.NewGroup[*ledger](nil, jobqueue.WithLogger(testLogger()))
			Expect(g.Topology().Threads()).To(BeNumerically(">=", 1))
			Expect(g.Topology().Domains()).To(BeNumerically(">=", 1))
		})
	})

	Describe("Assist", func() {
		type tagged struct {
			name string
			mu   *sync.Mutex
			log  *[]string
		}

		newTaggedGroup := func(names ...string) (*jobqueue.Group[*tagged], []*jobqueue.Queue[*tagged]) {
			var mu sync.Mutex
			var log []string
			g := jobqueue.NewGroup[*tagged](jobqueue.StaticTopology{ThreadCount: 1}, jobqueue.WithLogger(testLogger()))
			queues := make([]*jobqueue.Queue[*tagged], len(names))
			for k, name := range names {
				q, err := g.NewQueue(&tagged{name: name, mu: &mu, log: &log})
				Expect(err).NotTo(HaveOccurred())
				queues[k] = q
			}
			return g, queues
		}

		record := jobqueue.JobFunc[*tagged](func(t *tagged) jobqueue.Result {
			t.mu.Lock()
			*t.log = append(*t.log, t.name)
			t.mu.Unlock()
			return jobqueue.Completed
		})

		It("should run a sibling's job against the sibling's state", func() {
			g, queues := newTaggedGroup("a", "b")
			queues[1].Enqueue(record)

			Expect(g.Assist(0)).To(BeTrue())
			Expect(*queues[1].State().log).To(Equal([]string{"b"}))
			Expect(g.Assist(0)).To(BeFalse())
		})

		It("should scan round-robin after the requester, ending with the requester", func() {
			g, queues := newTaggedGroup("a", "b", "c")
			for _, q := range queues {
				q.Enqueue(record)
			}

			Expect(g.Assist(1)).To(BeTrue())
			Expect(g.Assist(1)).To(BeTrue())
			Expect(g.Assist(1)).To(BeTrue())
			Expect(g.Assist(1)).To(BeFalse())
			Expect(*queues[0].State().log).To(Equal([]string{"c", "a", "b"}))
		})

		It("should report no work in a group of one empty queue", func() {
			g, _ := newTaggedGroup("a")
			Expect(g.Assist(0)).To(BeFalse())
		})
	})

	Describe("HasIdle", func() {
		It("should be false when no loop runs", func() {
			g, _ := newSplitGroup(jobqueue.StaticTopology{ThreadCount: 2}, 2, 0)
			Expect(g.HasIdle()).To(BeFalse())
		})

		It("should be false for an empty group", func() {
			g := jobqueue.NewGroup[*ledger](jobqueue.StaticTopology{}, jobqueue.WithLogger(testLogger()))
			Expect(g.HasIdle()).To(BeFalse())
		})

		It("should report the idle worker of a member queue from inside a running job", func() {
			var sawIdle atomic.Bool
			g := jobqueue.NewGroup[*ledger](
				jobqueue.StaticTopology{ThreadCount: 2, Policy: jobqueue.PlacementNone},
				jobqueue.WithLogger(testLogger()),
			)
			q, err := g.NewQueue(newLedger(0))
			Expect(err).NotTo(HaveOccurred())

			// the queue's second worker spins idle while this job runs
			q.Enqueue(jobqueue.JobFunc[*ledger](func(*ledger) jobqueue.Result {
				deadline := time.Now().Add(5 * time.Second)
				for time.Now().Before(deadline) {
					if g.HasIdle() {
						sawIdle.Store(true)
						break
					}
					time.Sleep(time.Millisecond)
				}
				return jobqueue.Completed
			}))

			Expect(g.Launch(ctx)).To(Succeed())
			Expect(sawIdle.Load()).To(BeTrue())
		})
	})
})
