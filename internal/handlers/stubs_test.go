package handlers

import (
	"context"
	"errors"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/services"
)

type stubTokenVerifier struct {
	tokens map[string]*firebaseauth.Token
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, raw string) (*firebaseauth.Token, error) {
	if token, ok := s.tokens[raw]; ok {
		return token, nil
	}
	return nil, errors.New("invalid token")
}

func testVerifier() *stubTokenVerifier {
	return &stubTokenVerifier{tokens: map[string]*firebaseauth.Token{
		"user-token":  {UID: "user-1", Claims: map[string]any{"email": "asha@example.com"}},
		"admin-token": {UID: "admin-1", Claims: map[string]any{"role": "admin"}},
	}}
}

type stubOrderService struct {
	createCmd   services.CreateStampDraftCommand
	getCmd      services.GetStampOrderCommand
	selectCmd   services.SelectStampServiceCommand
	verifyCmd   services.VerifyStampPaymentCommand
	callbackCmd services.StampGatewayCallbackCommand
	revokeCmd   services.RevokeStampOrderCommand
	sweepCmd    services.SweepStuckIssuanceCommand

	quote  services.StampOrderQuote
	order  services.StampOrder
	sweep  services.StampSweepResult
	err    error
	called int
}

func (s *stubOrderService) CreateDraft(_ context.Context, cmd services.CreateStampDraftCommand) (services.StampOrderQuote, error) {
	s.called++
	s.createCmd = cmd
	return s.quote, s.err
}

func (s *stubOrderService) SelectService(_ context.Context, cmd services.SelectStampServiceCommand) (services.StampOrderQuote, error) {
	s.called++
	s.selectCmd = cmd
	return s.quote, s.err
}

func (s *stubOrderService) CreateGatewayOrder(context.Context, services.CreateStampGatewayOrderCommand) (services.StampOrder, error) {
	s.called++
	return s.order, s.err
}

func (s *stubOrderService) VerifyPayment(_ context.Context, cmd services.VerifyStampPaymentCommand) (services.StampOrder, error) {
	s.called++
	s.verifyCmd = cmd
	return s.order, s.err
}

func (s *stubOrderService) HandleGatewayCallback(_ context.Context, cmd services.StampGatewayCallbackCommand) (services.StampOrder, error) {
	s.called++
	s.callbackCmd = cmd
	return s.order, s.err
}

func (s *stubOrderService) RetryIssuance(context.Context, services.RetryStampIssuanceCommand) (services.StampOrder, error) {
	s.called++
	return s.order, s.err
}

func (s *stubOrderService) Cancel(context.Context, services.CancelStampOrderCommand) (services.StampOrder, error) {
	s.called++
	return s.order, s.err
}

func (s *stubOrderService) MarkDelivered(context.Context, services.MarkStampDeliveredCommand) (services.StampOrder, error) {
	s.called++
	return s.order, s.err
}

func (s *stubOrderService) Revoke(_ context.Context, cmd services.RevokeStampOrderCommand) (services.StampOrder, error) {
	s.called++
	s.revokeCmd = cmd
	return s.order, s.err
}

func (s *stubOrderService) GetOrder(_ context.Context, cmd services.GetStampOrderCommand) (services.StampOrder, error) {
	s.called++
	s.getCmd = cmd
	return s.order, s.err
}

func (s *stubOrderService) FailStuckIssuance(_ context.Context, cmd services.SweepStuckIssuanceCommand) (services.StampSweepResult, error) {
	s.called++
	s.sweepCmd = cmd
	return s.sweep, s.err
}

type stubTemplateService struct {
	templates []services.StampTemplate
	deleted   string
	err       error
}

func (s *stubTemplateService) ListActive(context.Context, string) ([]services.StampTemplate, error) {
	return s.templates, s.err
}

func (s *stubTemplateService) Get(context.Context, string) (services.StampTemplate, error) {
	if len(s.templates) == 0 {
		return services.StampTemplate{}, services.ErrStampNotFound
	}
	return s.templates[0], s.err
}

func (s *stubTemplateService) Upsert(_ context.Context, cmd services.UpsertStampTemplateCommand) (services.StampTemplate, error) {
	return cmd.Template, s.err
}

func (s *stubTemplateService) Delete(_ context.Context, id string) error {
	s.deleted = id
	return s.err
}

type stubVerificationService struct {
	result services.StampVerification
	err    error
	hashes []string
}

func (s *stubVerificationService) Verify(_ context.Context, hash string) (services.StampVerification, error) {
	s.hashes = append(s.hashes, hash)
	return s.result, s.err
}

type stubPromoService struct {
	saved services.StampPromoCode
	err   error
}

func (s *stubPromoService) Evaluate(context.Context, string, int64) (services.StampPromoEvaluation, error) {
	return services.StampPromoEvaluation{}, s.err
}

func (s *stubPromoService) Get(context.Context, string) (services.StampPromoCode, error) {
	return s.saved, s.err
}

func (s *stubPromoService) Upsert(_ context.Context, cmd services.UpsertStampPromoCommand) (services.StampPromoCode, error) {
	s.saved = cmd.Promo
	return cmd.Promo, s.err
}

type stubHealthService struct {
	report domain.HealthReport
	err    error
}

func (s *stubHealthService) Build() services.BuildInfo {
	return services.BuildInfo{Version: "1.2.3", CommitSHA: "abc123", Environment: "test"}
}

func (s *stubHealthService) Report(context.Context) (domain.HealthReport, error) {
	return s.report, s.err
}
