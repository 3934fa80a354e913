package codesigning

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/tweag/update-launcher/api"
	"github.com/tweag/update-launcher/cmd/internal/cmdhelper"
	"github.com/tweag/update-launcher/codesigning"
)

const usage = `Usage: update-launcher codesigning [COMMAND] [ARGS...]

Commands:
  verify         Verify the signature of a manifest
  accept-header  Print the accept-signature header for manifest requests`

func Run(ctx context.Context, args []string) {
	if len(args) < 1 {
		printUsage()
	}
	switch args[0] {
	case "verify":
		verify(args[1:])
	case "accept-header":
		acceptHeader(args[1:])
	default:
		printUsage()
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, usage)
	os.Exit(1)
}

func configuration(config api.GlobalConfig) *codesigning.Configuration {
	if config.CodeSigningCertificatePath == "" {
		cmdhelper.FatalFmt("code_signing_certificate must be provided")
	}
	certificatePEM, err := os.ReadFile(cmdhelper.SubstituteHome(config.CodeSigningCertificatePath))
	if err != nil {
		cmdhelper.FatalFmt("reading code signing certificate: %v", err)
	}
	csConfig, err := codesigning.NewConfiguration(string(certificatePEM), config.CodeSigningMetadata, codesigning.Options{
		IncludeManifestResponseCertificateChain: config.IncludeManifestResponseCertificateChain(),
		AllowUnsignedManifests:                  config.AllowUnsignedManifests(),
	})
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	return csConfig
}

func verify(args []string) {
	var signatureHeader, chainPath string
	flagSet := flag.NewFlagSet("codesigning verify", flag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Verifies the signature of a manifest body and prints the result as JSON.\n")
		fmt.Fprintf(flagSet.Output(), "Exits with status 2 if the signature is invalid.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: update-launcher codesigning verify [ARGS...] [manifest body]\n")
		flagSet.PrintDefaults()
		fmt.Fprintf(flagSet.Output(), "\nExamples:\n")
		fmt.Fprintf(flagSet.Output(), "  $ update-launcher codesigning verify --code_signing_certificate=root.pem --signature='sig=\"...\", keyid=\"root\"' manifest.json\n")
		os.Exit(1)
	}
	flagSet.StringVar(&signatureHeader, "signature", "", "Value of the signature header of the manifest response")
	flagSet.StringVar(&chainPath, "certificate_chain", "", "PEM file with the certificate chain sent with the manifest")
	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetCodeSigning)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
	}
	body, err := os.ReadFile(flagSet.Arg(0))
	if err != nil {
		cmdhelper.FatalFmt("reading manifest body: %v", err)
	}
	var chain []byte
	if chainPath != "" {
		if chain, err = os.ReadFile(chainPath); err != nil {
			cmdhelper.FatalFmt("reading certificate chain: %v", err)
		}
	}

	verifier := codesigning.NewVerifier(configuration(globalConfig), nil)
	result, err := verifier.ValidateSignature(signatureHeader, body, string(chain))
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	out := struct {
		Status             string                          `json:"status"`
		ProjectInformation *codesigning.ProjectInformation `json:"project_information,omitempty"`
	}{result.Status.String(), result.ProjectInformation}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		cmdhelper.FatalFmt("writing result: %v", err)
	}
	if result.Status == codesigning.Invalid {
		os.Exit(2)
	}
}

func acceptHeader(args []string) {
	flagSet := flag.NewFlagSet("codesigning accept-header", flag.ExitOnError)
	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetCodeSigning)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	fmt.Println(configuration(globalConfig).CreateAcceptSignatureHeader())
}
