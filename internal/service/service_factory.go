package service

import (
	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/mail"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/store"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

// ServiceFactory wires the domain services over their shared
// collaborators. Services are created lazily and reused.
type ServiceFactory struct {
	cfg        *config.Config
	accounts   scylla.AccountRepository
	billing    scylla.BillingRepository
	counters   store.Counter
	drafts     store.KV
	captcha    client.CaptchaVerifier
	processor  client.PaymentProcessor
	hasher     *hashing.Hasher
	encryption *encryption.Manager
	issuer     *token.Issuer
	recorder   audit.Recorder
	mailer     mail.Mailer
	bucketing  *bucketing.Manager

	credentialGate *CredentialGate
	totpManager    *TotpManager
	signupFlow     *SignupOnboardingFlow
	reconciler     *PaymentReconciler
}

func NewServiceFactory(
	cfg *config.Config,
	accounts scylla.AccountRepository,
	billing scylla.BillingRepository,
	counters store.Counter,
	drafts store.KV,
	captcha client.CaptchaVerifier,
	processor client.PaymentProcessor,
	hasher *hashing.Hasher,
	encryptionManager *encryption.Manager,
	issuer *token.Issuer,
	recorder audit.Recorder,
	mailer mail.Mailer,
	bucketingManager *bucketing.Manager,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:        cfg,
		accounts:   accounts,
		billing:    billing,
		counters:   counters,
		drafts:     drafts,
		captcha:    captcha,
		processor:  processor,
		hasher:     hasher,
		encryption: encryptionManager,
		issuer:     issuer,
		recorder:   recorder,
		mailer:     mailer,
		bucketing:  bucketingManager,
	}
}

func (sf *ServiceFactory) CredentialGate() *CredentialGate {
	if sf.credentialGate == nil {
		sf.credentialGate = NewCredentialGate(
			sf.cfg, sf.accounts, sf.counters, sf.captcha,
			sf.hasher, sf.issuer, sf.recorder, sf.mailer, sf.bucketing)
	}
	return sf.credentialGate
}

func (sf *ServiceFactory) TotpManager() *TotpManager {
	if sf.totpManager == nil {
		sf.totpManager = NewTotpManager(
			sf.cfg, sf.accounts, sf.encryption, sf.hasher, sf.recorder)
	}
	return sf.totpManager
}

func (sf *ServiceFactory) PaymentReconciler() *PaymentReconciler {
	if sf.reconciler == nil {
		sf.reconciler = NewPaymentReconciler(
			sf.cfg, sf.billing, sf.processor, sf.recorder)
	}
	return sf.reconciler
}

func (sf *ServiceFactory) SignupFlow() *SignupOnboardingFlow {
	if sf.signupFlow == nil {
		sf.signupFlow = NewSignupOnboardingFlow(
			sf.cfg, sf.accounts, sf.billing, sf.drafts,
			sf.hasher, sf.issuer, sf.PaymentReconciler(), sf.recorder)
	}
	return sf.signupFlow
}

func (sf *ServiceFactory) TokenIssuer() *token.Issuer {
	return sf.issuer
}

func (sf *ServiceFactory) Cleanup() {
	util.Info("Service factory cleaned up")
}
