// Package main Loan Payments API
//
//	@title			Loan Payments API
//	@version		1.0
//	@description	Loan payment orchestration: loan stages, payments, steps, transfers and provider webhooks.
//
//	@host			localhost:8080
//	@BasePath		/api/v1
//
//	@tag.name			Loans
//	@tag.description	Loan state and stage progression
//
//	@tag.name			Payments
//	@tag.description	Loan payments and their advancement
//
//	@tag.name			Steps
//	@tag.description	Payment steps and retries
//
//	@tag.name			Transfers
//	@tag.description	Provider transfers backing payment steps
//
//	@tag.name			Webhooks
//	@tag.description	Provider status callbacks
//
//	@tag.name			Billers
//	@tag.description	RPPS biller catalogue
package main
