//go:build lambda

package main

import (
	"context"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/josephsvk/DRTA/internal/backends/memory"
	"github.com/josephsvk/DRTA/internal/enroll"
	"github.com/josephsvk/DRTA/internal/types"
	"github.com/stretchr/testify/suite"
)

type stubChecker struct{ err error }

func (c stubChecker) Check(string) error { return c.err }

type UnitTestSuite struct {
	suite.Suite

	store   *memory.Store
	handler *LambdaHandler
}

func TestUnitTestSuite(t *testing.T) {
	suite.Run(t, new(UnitTestSuite))
}

func (s *UnitTestSuite) SetupTest() {
	cfg := types.DefaultConfig()
	cfg.TOTPSecret = "JBSWY3DPEHPK3PXP"
	cfg.Prefix = "fd00::/48"
	cfg.PortRangeStart = 8000
	cfg.PortRangeEnd = 8002
	s.store = memory.NewStore()
	e, err := enroll.New(cfg, s.store)
	s.Require().NoError(err)
	s.handler = &LambdaHandler{Verifier: stubChecker{}, Engine: e}
}

func message(id, body string) events.SQSMessage {
	code := "123456"
	return events.SQSMessage{
		MessageId: id,
		Body:      body,
		MessageAttributes: map[string]events.SQSMessageAttribute{
			types.TOTPHdrName: {StringValue: &code, DataType: "String"},
		},
	}
}

const goodBody = `{"device_name":"pi","ipv6_prefix":"fd00::/48","location":"lab","function":"gw"}`

func (s *UnitTestSuite) count() int {
	recs, err := s.store.List(context.Background())
	s.Require().NoError(err)
	return len(recs)
}

func (s *UnitTestSuite) TestEnrollsMessages() {
	resp, err := s.handler.HandleSQSEvent(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		message("m1", goodBody),
		message("m2", goodBody),
	}})
	s.NoError(err)
	s.Empty(resp.BatchItemFailures)
	s.Equal(2, s.count())
}

func (s *UnitTestSuite) TestPermanentRejectionsAreDropped() {
	resp, err := s.handler.HandleSQSEvent(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		message("bad-json", "nope"),
		message("bad-prefix", `{"device_name":"pi","ipv6_prefix":"fd01::/48","location":"lab","function":"gw"}`),
		message("ok", goodBody),
	}})
	s.NoError(err)
	s.Empty(resp.BatchItemFailures)
	s.Equal(1, s.count())
}

func (s *UnitTestSuite) TestInvalidCodeIsDropped() {
	s.handler.Verifier = stubChecker{err: types.Reject(types.ReasonInvalidCode, nil, "")}
	resp, err := s.handler.HandleSQSEvent(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		message("m1", goodBody),
	}})
	s.NoError(err)
	s.Empty(resp.BatchItemFailures)
	s.Equal(0, s.count())
}

func (s *UnitTestSuite) TestTransientFailuresAreRetried() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := s.handler.HandleSQSEvent(ctx, events.SQSEvent{Records: []events.SQSMessage{
		message("m1", goodBody),
	}})
	s.NoError(err)
	s.Require().Len(resp.BatchItemFailures, 1)
	s.Equal("m1", resp.BatchItemFailures[0].ItemIdentifier)
}
