package main

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spboyer/guardrail/internal/signer"
	"github.com/spf13/cobra"
)

type verifyReport struct {
	Contents    string         `json:"contents"`
	IsSafe      bool           `json:"isSafe"`
	BindingHash common.Hash    `json:"bindingHash"`
	Signer      common.Address `json:"signer"`
	Valid       *bool          `json:"valid,omitempty"`
}

func newVerifyCommand() *cobra.Command {
	var (
		contents  string
		isSafe    bool
		sigHex    string
		operator  string
		outFormat string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recover the signer of an attestation signature",
		Long: `Recover the address that signed an attestation for the given contents and
verdict. With --operator the recovered address must match it.

Example:
  guardrail verify --contents "Hey!" --safe --signature 0x... --operator 0x...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := hexutil.Decode(sigHex)
			if err != nil {
				return fmt.Errorf("decoding --signature: %w", err)
			}
			if operator != "" && !common.IsHexAddress(operator) {
				return fmt.Errorf("--operator %q is not a valid address", operator)
			}

			recovered, err := signer.Recover(isSafe, contents, sig)
			if err != nil {
				return err
			}

			report := verifyReport{
				Contents:    contents,
				IsSafe:      isSafe,
				BindingHash: signer.BindingHash(isSafe, contents),
				Signer:      recovered,
			}
			if operator != "" {
				valid := recovered == common.HexToAddress(operator)
				report.Valid = &valid
			}

			if err := printVerifyReport(cmd, report, outFormat); err != nil {
				return err
			}
			if report.Valid != nil && !*report.Valid {
				return fmt.Errorf("%w: signed by %s, expected %s", signer.ErrInvalidSignature, recovered.Hex(), common.HexToAddress(operator).Hex())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&contents, "contents", "", "Task contents that were attested")
	cmd.Flags().BoolVar(&isSafe, "safe", false, "Verdict that was attested")
	cmd.Flags().StringVar(&sigHex, "signature", "", "Hex-encoded 65 byte signature")
	cmd.Flags().StringVar(&operator, "operator", "", "Expected operator address")
	cmd.Flags().StringVar(&outFormat, "format", "text", "Output format: text | json")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func printVerifyReport(cmd *cobra.Command, r verifyReport, format string) error {
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "text":
		fmt.Fprintf(out, "Binding hash: %s\n", r.BindingHash.Hex()) //nolint:errcheck
		fmt.Fprintf(out, "Signer:       %s\n", r.Signer.Hex())      //nolint:errcheck
		if r.Valid != nil {
			status := "✅ matches operator"
			if !*r.Valid {
				status = "❌ does not match operator"
			}
			fmt.Fprintf(out, "Result:       %s\n", status) //nolint:errcheck
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q: expected text or json", format)
	}
}
